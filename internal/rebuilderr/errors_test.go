package rebuilderr

import (
	"errors"
	"testing"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "bare",
			err:  New(Io, "could not open file"),
			want: "io: could not open file",
		},
		{
			name: "with cause",
			err:  Wrap(Parse, "bad magic", errors.New("short read")),
			want: "parse: bad magic: short read",
		},
		{
			name: "with target",
			err:  WrapTarget(Exec, "leaf", "recipe failed", errors.New("exit 1")),
			want: "exec: leaf: recipe failed: exit 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(Hash, "failed to hash", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is() should find the wrapped cause")
	}
	if errors.Unwrap(err) != cause {
		t.Error("Unwrap() should return the cause")
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{Io, "io"},
		{Memory, "memory"},
		{Parse, "parse"},
		{Exec, "exec"},
		{Hash, "hash"},
		{Trace, "trace"},
		{Kind(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
