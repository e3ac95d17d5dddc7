package curator

import (
	"bytes"
)

// rawRange defines a forward range of byte strings within a bucket.
type rawRange struct {
	Prefix   []byte
	Lower    []byte
	Upper    []byte
	LowerInc bool
	UpperInc bool
}

func rawPrefix(p []byte) rawRange { return rawRange{Prefix: p} }

func rawIE(l, u []byte) rawRange {
	return rawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: false}
}

func (r *rawRange) start(bcur storageCursor) ([]byte, []byte) {
	var k, v []byte
	var skipInitial bool
	lower := r.Lower
	if lower != nil {
		skipInitial = !r.LowerInc
		if r.Prefix != nil && !bytes.HasPrefix(lower, r.Prefix) {
			panic("lower bound does not match prefix")
		}
	} else if r.Prefix != nil {
		lower = r.Prefix
	}
	if lower != nil {
		k, v = bcur.Seek(lower)
		if skipInitial && !bytes.Equal(k, lower) {
			skipInitial = false
		}
	} else {
		k, v = bcur.First()
	}
	if k != nil && r.match(k) {
		if skipInitial {
			return r.next(bcur)
		}
		return k, v
	}
	return nil, nil
}

func (r *rawRange) next(bcur storageCursor) ([]byte, []byte) {
	k, v := bcur.Next()
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

func (r *rawRange) match(k []byte) bool {
	if r.Prefix != nil && !bytes.HasPrefix(k, r.Prefix) {
		return false
	}
	if upper := r.Upper; upper != nil {
		cmp := bytes.Compare(k, upper)
		if cmp == 1 || (cmp == 0 && !r.UpperInc) {
			return false
		}
	}
	return true
}

func (r *rawRange) newCursor(bcur storageCursor) *rawRangeCursor {
	return &rawRangeCursor{rang: *r, bcur: bcur}
}

type rawRangeCursor struct {
	rang rawRange
	bcur storageCursor
	k, v []byte
	init bool
}

func (c *rawRangeCursor) Next() bool {
	if c.init {
		c.k, c.v = c.rang.next(c.bcur)
	} else {
		c.init = true
		c.k, c.v = c.rang.start(c.bcur)
	}
	return c.k != nil
}

func (c *rawRangeCursor) Key() []byte   { return c.k }
func (c *rawRangeCursor) Value() []byte { return c.v }
