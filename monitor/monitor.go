// Package monitor reports the state of the environment table.
package monitor

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/evanphx/envos/kernel"
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type EnvInfo struct {
	ID     kernel.EnvID  `cbor:"id" yaml:"id"`
	Parent kernel.EnvID  `cbor:"parent" yaml:"parent"`
	Slot   int           `cbor:"slot" yaml:"slot"`
	Kind   kernel.Kind   `cbor:"kind" yaml:"kind"`
	Status kernel.Status `cbor:"status" yaml:"status"`
	Runs   uint64        `cbor:"runs" yaml:"runs"`
	RIP    uint64        `cbor:"rip" yaml:"rip"`
	RSP    uint64        `cbor:"rsp" yaml:"rsp"`
}

// Report is a snapshot of every live environment, in slot order.
type Report struct {
	Capacity int          `cbor:"capacity" yaml:"capacity"`
	Current  kernel.EnvID `cbor:"current" yaml:"current"`
	Envs     []EnvInfo    `cbor:"envs" yaml:"envs"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.TextMarshaler = cbor.TextMarshalerTextString

	encMode, err = opts.EncMode()
	if err != nil {
		panic("monitor: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("monitor: CBOR decoder initialization failed: " + err.Error())
	}
}

// Snapshot captures every environment whose slot is not free.
func Snapshot(k *kernel.Kernel) *Report {
	tab := k.Table()

	r := &Report{
		Capacity: tab.Capacity(),
	}

	if cur := k.Current(); cur != nil {
		r.Current = cur.ID
	}

	for i := 0; i < tab.Capacity(); i++ {
		e := tab.Slot(i)
		if e.Status == kernel.Free {
			continue
		}

		r.Envs = append(r.Envs, EnvInfo{
			ID:     e.ID,
			Parent: e.ParentID,
			Slot:   i,
			Kind:   e.Kind,
			Status: e.Status,
			Runs:   e.Runs,
			RIP:    e.Frame.RIP,
			RSP:    e.Frame.RSP,
		})
	}

	return r
}

func (r *Report) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 4, 8, 1, ' ', 0)

	fmt.Fprintf(tw, "ID\tPARENT\tSLOT\tKIND\tSTATUS\tRUNS\tRIP\tRSP\n")

	for _, e := range r.Envs {
		mark := ""
		if e.ID == r.Current {
			mark = "*"
		}

		fmt.Fprintf(tw, "%s%s\t%s\t%d\t%s\t%s\t%d\t%#x\t%#x\n",
			e.ID, mark, e.Parent, e.Slot, e.Kind, e.Status, e.Runs, e.RIP, e.RSP)
	}

	return tw.Flush()
}

func (r *Report) EncodeCBOR(w io.Writer) error {
	return errors.Wrap(encMode.NewEncoder(w).Encode(r), "encoding report")
}

func (r *Report) EncodeYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(r); err != nil {
		return errors.Wrap(err, "encoding report")
	}

	return enc.Close()
}

func DecodeCBOR(rd io.Reader) (*Report, error) {
	var r Report

	if err := decMode.NewDecoder(rd).Decode(&r); err != nil {
		return nil, errors.Wrap(err, "decoding report")
	}

	return &r, nil
}

func DecodeYAML(rd io.Reader) (*Report, error) {
	var r Report

	if err := yaml.NewDecoder(rd).Decode(&r); err != nil {
		return nil, errors.Wrap(err, "decoding report")
	}

	return &r, nil
}
