// Program dirmictl is a command-line utility for inspecting dirmi wire data.
package main

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/creachadair/command"
	"github.com/dirmigo/dirmi/packet"
	"github.com/dirmigo/dirmi/wire"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for inspecting dirmi wire packets.",
		Commands: []*command.C{
			{
				Name:  "pack",
				Usage: "<pattern> <argument>...",
				Help: `Pack arguments into a binary packet and write it to stdout.

The pattern specifies the sequence of values to concatenate into the packet.
Whitespace in the pattern is ignored; otherwise the pattern specifies how the
corresponding argument is processed:

  p  : a Pascal style string with a 1-byte length prefix
  q  : a quoted literal string (Go style) without framing
  r  : a raw literal string encoded without framing
  s  : a string encoded with a Vint30 length prefix
  %  : a Boolean constant (true or false)
  v  : a Vint30 value (unsigned)
  1  : a uint8 value (1 byte)
  2  : a uint16 value (2 bytes)
  4  : a uint32 value (4 bytes)

By default, fixed-width integer values are packed in big-endian order, but the
following symbols modify the byte order for future values:

  <  : encode as little-endian
  >  : encode as big-endian (this is the default)

A "(" begins a subpattern, which goes until a matching ")", prefixed on
output with its own Vint30-encoded length. Subpatterns may be nested.
`,
				Run: func(env *command.Env) error {
					if len(env.Args) == 0 {
						return env.Usagef("Missing format argument")
					}
					var b packet.Builder
					rest, err := formatData(&b, env.Args[0], env.Args[1:])
					if err != nil {
						return err
					} else if len(rest) != 0 {
						return fmt.Errorf("extra arguments: %q", rest)
					}
					os.Stdout.Write(b.Bytes())
					return nil
				},
			},
			{
				Name:  "id",
				Usage: "<hex>",
				Help:  "Decode an 8-byte hex-encoded Identifier wire form and print it.",
				Run: func(env *command.Env) error {
					if len(env.Args) != 1 {
						return env.Usagef("Expected exactly one hex-encoded identifier")
					}
					data, err := hex.DecodeString(env.Args[0])
					if err != nil {
						return fmt.Errorf("invalid hex: %w", err)
					}
					s := packet.NewScanner(data)
					id, err := wire.DecodeIdentifier(s)
					if err != nil {
						return fmt.Errorf("decode identifier: %w", err)
					}
					fmt.Println(id)
					return nil
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// formatData packs the arguments in args into b according to the pattern
// pat, and returns the unconsumed arguments.
func formatData(b *packet.Builder, pat string, args []string) ([]string, error) {
	var byteOrder binary.ByteOrder = binary.BigEndian
	for i := 0; i < len(pat); i++ {
		c := pat[i]
		switch c {
		case 'p', 'q', 'r', 's', '%', 'v', '1', '2', '4':
			// OK, these need an argument (see below)
		case ' ', '\t', '\n':
			continue
		case '<':
			byteOrder = binary.LittleEndian
			continue
		case '>':
			byteOrder = binary.BigEndian
			continue
		case '(':
			sub, ok := cutParen(pat[i+1:], '(', ')')
			if !ok {
				return nil, errors.New("missing close parenthesis")
			}
			var sb packet.Builder
			rest, err := formatData(&sb, sub, args)
			if err != nil {
				return nil, fmt.Errorf("invalid subpattern: %w", err)
			}
			b.Grow(packet.VLen(sb.Len()))
			b.Vint30(uint32(sb.Len()))
			b.Put(sb.Bytes()...)
			args = rest
			i += len(sub) + 1
			continue
		default:
			return nil, fmt.Errorf("invalid pattern word %c", c)
		}

		if len(args) == 0 {
			return nil, fmt.Errorf("missing argument for %c", c)
		}
		switch c {
		case 'p':
			if len(args[0]) > 255 {
				return nil, fmt.Errorf("length %d > 255 too long for p", len(args[0]))
			}
			b.Put(byte(len(args[0])))
			b.PutString(args[0])
		case 'q':
			dec, err := strconv.Unquote(`"` + args[0] + `"`)
			if err != nil {
				return nil, fmt.Errorf("invalid string: %w", err)
			}
			b.PutString(dec)
		case 'r':
			b.PutString(args[0])
		case 's':
			b.VPutString(args[0])
		case '%':
			v, err := strconv.ParseBool(args[0])
			if err != nil {
				return nil, fmt.Errorf("invalid bool: %w", err)
			}
			b.Bool(v)
		case 'v':
			v, err := strconv.ParseUint(args[0], 10, 30)
			if err != nil {
				return nil, fmt.Errorf("invalid Vint30: %w", err)
			}
			b.Vint30(uint32(v))
		case '1':
			v, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid byte: %w", err)
			}
			b.Put(byte(v))
		case '2':
			v, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("invalid uint16: %w", err)
			}
			var tmp [2]byte
			byteOrder.PutUint16(tmp[:], uint16(v))
			b.Put(tmp[:]...)
		case '4':
			v, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid uint32: %w", err)
			}
			var tmp [4]byte
			byteOrder.PutUint32(tmp[:], uint32(v))
			b.Put(tmp[:]...)
		default:
			panic("invalid code: " + string(c))
		}
		args = args[1:]
	}
	return args, nil
}

func cutParen(s string, l, r rune) (string, bool) {
	d := 1
	for i, c := range s {
		if c == l {
			d++
		} else if c == r {
			d--
			if d == 0 {
				return s[:i], true
			}
		}
	}
	return s, false
}
