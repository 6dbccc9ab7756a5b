package gcs

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	dat "github.com/iamsingularity/datproject.org"
)

// Object names in the bucket:
//
//	b:<hex ref>                    a blob
//	a:<hex anchor name>:<stamp>    one value of an anchor
//
// A stamp is the anchor time, inverted and zero-padded to stampDigits,
// so listing an anchor's prefix yields its newest value first.
const (
	blobPrefix   = "b:"
	anchorMarker = "a:"
	stampDigits  = 20
)

// Anchor times must fit in int64 nanoseconds since the epoch.
var (
	minStamp = time.Unix(0, math.MinInt64)
	maxStamp = time.Unix(0, math.MaxInt64)
)

func blobObjName(ref dat.Ref) string {
	return blobPrefix + ref.String()
}

func refFromBlobObjName(name string) (dat.Ref, error) {
	return dat.RefFromHex(strings.TrimPrefix(name, blobPrefix))
}

func anchorPrefix(name string) string {
	return anchorMarker + hex.EncodeToString([]byte(name)) + ":"
}

func anchorObjName(name string, when time.Time) (string, error) {
	stamp, err := invStamp(when)
	if err != nil {
		return "", errors.Wrapf(err, "anchor %s", name)
	}
	return anchorPrefix(name) + stamp, nil
}

func anchorTimeFromObjName(objName string) (string, time.Time, error) {
	rest := strings.TrimPrefix(objName, anchorMarker)
	if rest == objName {
		return "", time.Time{}, errors.Errorf("%s is not an anchor object", objName)
	}
	i := strings.LastIndexByte(rest, ':')
	if i < 0 {
		return "", time.Time{}, errors.Errorf("malformed anchor object name %s", objName)
	}
	name, err := hex.DecodeString(rest[:i])
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "hex-decoding anchor name")
	}
	when, err := stampTime(rest[i+1:])
	return string(name), when, err
}

// invStamp maps later times to lexically smaller strings.
// Flipping the sign bit orders int64 nanos as uint64.
func invStamp(when time.Time) (string, error) {
	if when.Before(minStamp) || when.After(maxStamp) {
		return "", errors.Errorf("time %s out of range", when)
	}
	u := uint64(when.UnixNano()) ^ 1<<63
	return fmt.Sprintf("%0*d", stampDigits, math.MaxUint64-u), nil
}

func stampTime(s string) (time.Time, error) {
	if len(s) != stampDigits {
		return time.Time{}, errors.Errorf("anchor stamp %q has %d digits, want %d", s, len(s), stampDigits)
	}
	inv, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parsing anchor stamp %q", s)
	}
	return time.Unix(0, int64((math.MaxUint64-inv)^1<<63)), nil
}
