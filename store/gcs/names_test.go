package gcs

import (
	"strings"
	"testing"
	"testing/quick"
	"time"

	dat "github.com/iamsingularity/datproject.org"
)

func TestAnchorObjName(t *testing.T) {
	var (
		key = dat.Blob("genesis").Ref()
		t1  = time.Date(2020, 1, 2, 3, 4, 5, 6, time.UTC)
		t2  = t1.Add(time.Microsecond)
	)

	for _, name := range []string{dat.IndexAnchor(key), dat.OwnerAnchor(key), "transform:" + key.String()} {
		t.Run(name[:5], func(t *testing.T) {
			n1, err := anchorObjName(name, t1)
			if err != nil {
				t.Fatal(err)
			}
			n2, err := anchorObjName(name, t2)
			if err != nil {
				t.Fatal(err)
			}
			if n2 >= n1 {
				t.Errorf("later anchor %s does not sort before earlier anchor %s", n2, n1)
			}

			got, when, err := anchorTimeFromObjName(n1)
			if err != nil {
				t.Fatal(err)
			}
			if got != name {
				t.Errorf("got anchor name %q, want %q", got, name)
			}
			if !when.Equal(t1) {
				t.Errorf("got time %s, want %s", when, t1)
			}
		})
	}

	// Different anchors of the same archive must not share a listing prefix.
	p1, p2 := anchorPrefix(dat.IndexAnchor(key)), anchorPrefix(dat.OwnerAnchor(key))
	if strings.HasPrefix(p1, p2) || strings.HasPrefix(p2, p1) {
		t.Errorf("prefixes %s and %s overlap", p1, p2)
	}

	if _, err := anchorObjName("index:x", time.Date(2500, 1, 1, 0, 0, 0, 0, time.UTC)); err == nil {
		t.Error("got no error for a time past the representable range")
	}
	for _, bad := range []string{"b:" + key.String(), "a:zz:00000000000000000000", "a:6869:123"} {
		if _, _, err := anchorTimeFromObjName(bad); err == nil {
			t.Errorf("got no error decoding %s", bad)
		}
	}
}

func TestStampOrder(t *testing.T) {
	err := quick.Check(func(n1, n2 int64) bool {
		t1, t2 := time.Unix(0, n1), time.Unix(0, n2)
		s1, err1 := invStamp(t1)
		s2, err2 := invStamp(t2)
		if err1 != nil || err2 != nil || len(s1) != stampDigits || len(s2) != stampDigits {
			return false
		}
		switch {
		case n1 < n2:
			if s1 <= s2 {
				return false
			}
		case n1 > n2:
			if s1 >= s2 {
				return false
			}
		default:
			if s1 != s2 {
				return false
			}
		}
		back, err := stampTime(s1)
		return err == nil && back.Equal(t1)
	}, nil)
	if err != nil {
		t.Error(err)
	}
}
