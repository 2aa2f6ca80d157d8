package monitor

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/evanphx/envos/exec"
	"github.com/evanphx/envos/image"
	"github.com/evanphx/envos/kernel"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func halter(base uint64) []byte {
	b := &image.Builder{
		Entry:    base,
		TextAddr: base,
		Text:     exec.NewAsm(base).Nop().Hlt().MustBytes(),
		BssAddr:  base + 0x1000,
		BssSize:  8,
	}

	return b.Build()
}

func booted(t *testing.T) (*kernel.Kernel, kernel.EnvID, kernel.EnvID) {
	k, err := kernel.NewKernel(kernel.Options{Capacity: 8})
	require.NoError(t, err)

	a := k.MustCreate(halter(0x400000), kernel.KindKernel)
	b := k.MustCreate(halter(0x600000), kernel.KindUser)

	_, err = k.Dispatch(context.Background(), b)
	require.NoError(t, err)

	return k, a, b
}

func TestMonitor(t *testing.T) {
	n := neko.Modern(t)

	n.It("captures live environments in slot order", func(t *testing.T) {
		k, a, b := booted(t)

		r := Snapshot(k)

		require.Equal(t, 8, r.Capacity)
		require.Equal(t, b, r.Current)
		require.Len(t, r.Envs, 2)

		ea := r.Envs[0]
		require.Equal(t, a, ea.ID)
		require.Equal(t, 0, ea.Slot)
		require.Equal(t, kernel.KindKernel, ea.Kind)
		require.Equal(t, kernel.Runnable, ea.Status)
		require.Equal(t, uint64(0), ea.Runs)
		require.Equal(t, uint64(0x400000), ea.RIP)

		eb := r.Envs[1]
		require.Equal(t, b, eb.ID)
		require.Equal(t, kernel.KindUser, eb.Kind)
		require.Equal(t, kernel.Running, eb.Status)
		require.Equal(t, uint64(1), eb.Runs)
	})

	n.It("skips destroyed environments", func(t *testing.T) {
		k, a, b := booted(t)

		require.NoError(t, k.Destroy(b))

		r := Snapshot(k)
		require.Equal(t, kernel.EnvID(0), r.Current)
		require.Len(t, r.Envs, 1)
		require.Equal(t, a, r.Envs[0].ID)
	})

	n.It("writes a table", func(t *testing.T) {
		k, a, b := booted(t)

		var buf bytes.Buffer
		require.NoError(t, Snapshot(k).WriteTable(&buf))

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 3)

		require.True(t, strings.HasPrefix(lines[0], "ID"))
		require.Contains(t, lines[1], a.String())
		require.Contains(t, lines[1], "RUNNABLE")
		require.Contains(t, lines[2], b.String()+"*")
		require.Contains(t, lines[2], "RUNNING")
		require.Contains(t, lines[2], "user")
	})

	n.It("decodes what it encodes as CBOR", func(t *testing.T) {
		k, _, _ := booted(t)
		r := Snapshot(k)

		var buf bytes.Buffer
		require.NoError(t, r.EncodeCBOR(&buf))

		got, err := DecodeCBOR(&buf)
		require.NoError(t, err)
		require.Equal(t, r, got)
	})

	n.It("decodes what it encodes as YAML", func(t *testing.T) {
		k, _, _ := booted(t)
		r := Snapshot(k)

		var buf bytes.Buffer
		require.NoError(t, r.EncodeYAML(&buf))
		require.Contains(t, buf.String(), "status: RUNNING")

		got, err := DecodeYAML(&buf)
		require.NoError(t, err)
		require.Equal(t, r, got)
	})

	n.Meow()
}
