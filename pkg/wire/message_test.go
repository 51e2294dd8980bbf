package wire_test

import (
	"reflect"
	"testing"

	"github.com/kalbasit/buildcache/pkg/wire"
)

func TestUniversalRoundTripLocalExecute(t *testing.T) {
	t.Parallel()

	uid := uint32(1000)
	u := wire.Universal{
		LocalExecute: &wire.LocalExecute{
			CurrentDir: "/tmp/build",
			UserID:     &uid,
			Flags: wire.Flags{
				CompilerVersion: "clang-18",
				Action:          "-emit-obj",
				Input:           "a.cc",
				Output:          "a.o",
				Other:           []string{"-cc1", "-triple", "x86_64"},
				CCOnly:          []string{"-mrelax-all"},
				NonCached:       []string{"-Ivendor"},
			},
		},
	}

	decoded, err := wire.UnmarshalUniversal(u.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalUniversal: %v", err)
	}

	if !reflect.DeepEqual(u.LocalExecute, decoded.LocalExecute) {
		t.Fatalf("round trip mismatch:\n got: %+v\nwant: %+v", decoded.LocalExecute, u.LocalExecute)
	}
}

func TestUniversalRoundTripRemoteExecute(t *testing.T) {
	t.Parallel()

	u := wire.Universal{
		RemoteExecute: &wire.RemoteExecute{
			Flags:  wire.Flags{Language: "c++", Other: []string{"-cc1"}},
			Source: []byte("int main(){return 0;}"),
		},
	}

	decoded, err := wire.UnmarshalUniversal(u.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalUniversal: %v", err)
	}

	if !reflect.DeepEqual(u.RemoteExecute, decoded.RemoteExecute) {
		t.Fatalf("round trip mismatch:\n got: %+v\nwant: %+v", decoded.RemoteExecute, u.RemoteExecute)
	}
}

func TestUniversalRoundTripRemoteResult(t *testing.T) {
	t.Parallel()

	u := wire.Universal{RemoteResult: &wire.RemoteResult{Obj: []byte("OBJDATA"), Deps: []byte("a.o: a.cc\n")}}

	decoded, err := wire.UnmarshalUniversal(u.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalUniversal: %v", err)
	}

	if !reflect.DeepEqual(u.RemoteResult, decoded.RemoteResult) {
		t.Fatalf("round trip mismatch:\n got: %+v\nwant: %+v", decoded.RemoteResult, u.RemoteResult)
	}
}

func TestUniversalRoundTripStatus(t *testing.T) {
	t.Parallel()

	u := wire.Universal{Status: &wire.Status{Code: wire.StatusExecution, Description: "compiler exited 1"}}

	decoded, err := wire.UnmarshalUniversal(u.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalUniversal: %v", err)
	}

	if !reflect.DeepEqual(u.Status, decoded.Status) {
		t.Fatalf("round trip mismatch:\n got: %+v\nwant: %+v", decoded.Status, u.Status)
	}
}

func TestStatusCodeString(t *testing.T) {
	t.Parallel()

	if got := wire.StatusOK.String(); got != "OK" {
		t.Fatalf("got %q, want OK", got)
	}

	if got := wire.StatusOverload.String(); got != "OVERLOAD" {
		t.Fatalf("got %q, want OVERLOAD", got)
	}
}
