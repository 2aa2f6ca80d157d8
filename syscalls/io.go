package syscalls

import (
	"bytes"
	"context"
	"strconv"

	"github.com/evanphx/envos/boundary"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// MaxStringLen bounds every string read out of an environment.
const MaxStringLen = 4096

var ErrMissingArgument = errors.New("format needs more arguments than registers carry")

// cprintf formats the string at R0 with the remaining arguments and
// writes it to the console. It returns the number of bytes written.
func cprintf(ctx context.Context, l hclog.Logger, sys *Invoker, mem boundary.Memory, args SysArgs) (uint64, error) {
	format, err := mem.ReadCString(args.R0, MaxStringLen)
	if err != nil {
		return 0, errors.Wrap(err, "reading format string")
	}

	out, err := Sprintf(mem, format, args.Varargs(1))
	if err != nil {
		return 0, err
	}

	n, err := sys.Console.Write(out)
	if err != nil {
		l.Error("error writing to console", "error", err)
		return 0, err
	}

	return uint64(n), nil
}

// Sprintf expands a kernel format string. Supported verbs are %d %u %x
// %c %s %p and %%, each optionally prefixed with l for a 64-bit argument.
// Unknown verbs are copied through unchanged.
func Sprintf(mem boundary.Memory, format []byte, args []uint64) ([]byte, error) {
	var (
		buf  bytes.Buffer
		next int
	)

	arg := func() (uint64, error) {
		if next >= len(args) {
			return 0, ErrMissingArgument
		}

		v := args[next]
		next++
		return v, nil
	}

	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			buf.WriteByte(c)
			continue
		}

		i++
		if i >= len(format) {
			buf.WriteByte('%')
			break
		}

		long := false
		for format[i] == 'l' && i+1 < len(format) {
			long = true
			i++
		}

		verb := format[i]

		if verb == '%' {
			buf.WriteByte('%')
			continue
		}

		switch verb {
		case 'd', 'u', 'x', 'c', 's', 'p':
		default:
			buf.WriteByte('%')
			if long {
				buf.WriteByte('l')
			}
			buf.WriteByte(verb)
			continue
		}

		v, err := arg()
		if err != nil {
			return nil, err
		}

		switch verb {
		case 'd':
			if long {
				buf.WriteString(strconv.FormatInt(int64(v), 10))
			} else {
				buf.WriteString(strconv.FormatInt(int64(int32(v)), 10))
			}
		case 'u':
			if !long {
				v = uint64(uint32(v))
			}
			buf.WriteString(strconv.FormatUint(v, 10))
		case 'x':
			if !long {
				v = uint64(uint32(v))
			}
			buf.WriteString(strconv.FormatUint(v, 16))
		case 'p':
			buf.WriteString("0x")
			buf.WriteString(strconv.FormatUint(v, 16))
		case 'c':
			buf.WriteByte(byte(v))
		case 's':
			if v == 0 {
				buf.WriteString("(null)")
				continue
			}

			s, err := mem.ReadCString(v, MaxStringLen)
			if err != nil {
				return nil, errors.Wrapf(err, "reading %%s argument at %#x", v)
			}

			buf.Write(s)
		}
	}

	return buf.Bytes(), nil
}

func init() {
	Natives["cprintf"] = cprintf
}
