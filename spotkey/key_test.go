package spotkey

import "testing"

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []struct {
		group uint32
		row   uint64
	}{
		{0, 0},
		{1, 1},
		{MaxGroups - 1, MaxRowsPerGroup - 1},
		{42, 1 << 20},
	}
	for _, c := range cases {
		k := Pack(c.group, c.row)
		g, r := k.Unpack()
		if g != c.group || r != c.row {
			t.Errorf("Pack(%d,%d).Unpack() = (%d,%d), want (%d,%d)", c.group, c.row, g, r, c.group, c.row)
		}
	}
}

func TestPackPanicsOnOverflow(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on group overflow")
		}
	}()
	Pack(MaxGroups, 0)
}

func TestPackPanicsOnRowOverflow(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on row overflow")
		}
	}()
	Pack(0, MaxRowsPerGroup)
}
