package pow2

import "testing"

func TestCeilLog2(t *testing.T) {
	cases := []struct {
		n, want int
	}{
		{1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {8, 3}, {9, 4}, {1024, 10},
	}
	for _, c := range cases {
		if got := CeilLog2(c.n); got != c.want {
			t.Errorf("CeilLog2(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestFloorLog2(t *testing.T) {
	cases := []struct {
		n, want int
	}{
		{1, 0}, {2, 1}, {3, 1}, {4, 2}, {7, 2}, {8, 3}, {1024, 10},
	}
	for _, c := range cases {
		if got := FloorLog2(c.n); got != c.want {
			t.Errorf("FloorLog2(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestCeilPow2(t *testing.T) {
	cases := []struct {
		n, want int
	}{
		{1, 1}, {2, 2}, {3, 4}, {4, 4}, {5, 8}, {1025, 2048},
	}
	for _, c := range cases {
		if got := CeilPow2(c.n); got != c.want {
			t.Errorf("CeilPow2(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestIsPow2(t *testing.T) {
	for _, n := range []int{1, 2, 4, 1024} {
		if !IsPow2(n) {
			t.Errorf("IsPow2(%d) = false, want true", n)
		}
	}
	for _, n := range []int{0, 3, 5, 1023} {
		if IsPow2(n) {
			t.Errorf("IsPow2(%d) = true, want false", n)
		}
	}
}

func TestCeilDiv(t *testing.T) {
	cases := []struct{ a, b, want int }{
		{0, 8, 0}, {1, 8, 1}, {8, 8, 1}, {9, 8, 2}, {17, 8, 3},
	}
	for _, c := range cases {
		if got := CeilDiv(c.a, c.b); got != c.want {
			t.Errorf("CeilDiv(%d,%d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
