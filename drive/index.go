package drive

import (
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	dat "github.com/iamsingularity/datproject.org"
)

// block is one content block of an archive.
type block struct {
	ref  dat.Ref
	size uint64
}

// index is an archive's content block list and entry log.
// It is stored as a blob in protobuf wire format:
//
//	message Index {
//	  bytes key = 1;
//	  repeated Block blocks = 2;   // {bytes ref = 1; uint64 size = 2;}
//	  repeated Entry entries = 3;  // {string name = 1; uint32 type = 2; uint64 size = 3;
//	                               //  uint64 block = 4; uint64 blocks = 5; int64 mtime_nanos = 6;}
//	}
type index struct {
	key     dat.Ref
	blocks  []block
	entries []dat.Entry
}

func (x *index) clone() *index {
	return &index{
		key:     x.key,
		blocks:  append([]block(nil), x.blocks...),
		entries: append([]dat.Entry(nil), x.entries...),
	}
}

func (x *index) size() uint64 {
	var n uint64
	for _, b := range x.blocks {
		n += b.size
	}
	return n
}

// extends reports whether x holds every block and entry of old, in the same positions.
func (x *index) extends(old *index) bool {
	if len(x.blocks) < len(old.blocks) || len(x.entries) < len(old.entries) {
		return false
	}
	for i, b := range old.blocks {
		if x.blocks[i] != b {
			return false
		}
	}
	for i, e := range old.entries {
		xe := x.entries[i]
		if xe.Name != e.Name || xe.Type != e.Type || xe.Size != e.Size || xe.Block != e.Block || xe.Blocks != e.Blocks || !xe.Mtime.Equal(e.Mtime) {
			return false
		}
	}
	return true
}

// latest finds the newest entry named name.
func (x *index) latest(name string) (dat.Entry, bool) {
	for i := len(x.entries) - 1; i >= 0; i-- {
		if x.entries[i].Name == name {
			return x.entries[i], true
		}
	}
	return dat.Entry{}, false
}

func (x *index) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, x.key[:])

	for _, blk := range x.blocks {
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.BytesType)
		m = protowire.AppendBytes(m, blk.ref[:])
		m = protowire.AppendTag(m, 2, protowire.VarintType)
		m = protowire.AppendVarint(m, blk.size)

		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}

	for _, e := range x.entries {
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.BytesType)
		m = protowire.AppendString(m, e.Name)
		m = protowire.AppendTag(m, 2, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(e.Type))
		m = protowire.AppendTag(m, 3, protowire.VarintType)
		m = protowire.AppendVarint(m, e.Size)
		m = protowire.AppendTag(m, 4, protowire.VarintType)
		m = protowire.AppendVarint(m, e.Block)
		m = protowire.AppendTag(m, 5, protowire.VarintType)
		m = protowire.AppendVarint(m, e.Blocks)
		m = protowire.AppendTag(m, 6, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(e.Mtime.UnixNano()))

		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}

	return b
}

func unmarshalIndex(b []byte) (*index, error) {
	x := new(index)
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			x.key = dat.RefFromBytes(v)
		case num == 2 && typ == protowire.BytesType:
			blk, err := unmarshalBlock(v)
			if err != nil {
				return errors.Wrap(err, "decoding block")
			}
			x.blocks = append(x.blocks, blk)
		case num == 3 && typ == protowire.BytesType:
			e, err := unmarshalEntry(v)
			if err != nil {
				return errors.Wrap(err, "decoding entry")
			}
			x.entries = append(x.entries, e)
		}
		return nil
	})
	return x, err
}

func unmarshalBlock(b []byte) (block, error) {
	var blk block
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			blk.ref = dat.RefFromBytes(v)
		case num == 2 && typ == protowire.VarintType:
			blk.size = u
		}
		return nil
	})
	return blk, err
}

func unmarshalEntry(b []byte) (dat.Entry, error) {
	var e dat.Entry
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		if num == 1 && typ == protowire.BytesType {
			e.Name = string(v)
			return nil
		}
		if typ != protowire.VarintType {
			return nil
		}
		switch num {
		case 2:
			e.Type = dat.EntryType(u)
		case 3:
			e.Size = u
		case 4:
			e.Block = u
		case 5:
			e.Blocks = u
		case 6:
			e.Mtime = time.Unix(0, int64(u)).UTC()
		}
		return nil
	})
	return e, err
}

// eachField calls f for each field in the wire-format message b.
// Length-delimited values arrive in v, varints in u;
// fields of other types are skipped.
func eachField(b []byte, f func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := f(num, typ, v, 0); err != nil {
				return err
			}

		case protowire.VarintType:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := f(num, typ, nil, u); err != nil {
				return err
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
