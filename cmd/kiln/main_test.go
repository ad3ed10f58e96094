package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/jbweber/kiln/api/v1alpha1"
)

func TestRenderError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want []string
	}{
		{
			name: "taxonomy kind",
			err:  errors.Join(v1alpha1.ErrForbidden, errors.New("not allowed to delete this vm")),
			want: []string{"Error (Forbidden):", "not allowed to delete this vm"},
		},
		{
			name: "internal",
			err:  errors.New("boom"),
			want: []string{"Error: boom"},
		},
		{
			name: "provision output",
			err: &v1alpha1.ProvisionError{
				Step:   "create disk",
				Output: "qemu-img: No space left on device",
				Err:    errors.New("exit status 1"),
			},
			want: []string{"Error (ProvisionError):", "qemu-img: No space left on device"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderError(tt.err)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("renderError() = %q, missing %q", got, w)
				}
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{v1alpha1.ErrBackendUnavailable, 75},
		{v1alpha1.ErrForbidden, 77},
		{v1alpha1.ErrInvalidRequest, 64},
		{v1alpha1.ErrNotFound, 3},
		{errors.Join(v1alpha1.ErrNotFound, v1alpha1.ErrRecordOrphaned), 3},
		{v1alpha1.ErrDuplicateName, 4},
		{errors.New("boom"), 1},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestCallerName(t *testing.T) {
	t.Setenv("KILN_USER", "bob")

	asUser = "alice"
	t.Cleanup(func() { asUser = "" })
	if got, _ := callerName(); got != "alice" {
		t.Errorf("callerName() = %q, want --as value", got)
	}

	asUser = ""
	if got, _ := callerName(); got != "bob" {
		t.Errorf("callerName() = %q, want $KILN_USER", got)
	}
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"vm", "list"}, {"vm", "get"}, {"vm", "create"}, {"vm", "start"}, {"vm", "stop"}, {"vm", "delete"},
		{"user", "add"}, {"user", "list"},
		{"media", "list"}, {"media", "verify"},
		{"diagnose"}, {"watch"}, {"test-conn"},
	} {
		cmd, _, err := rootCmd.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %v not registered", path)
		}
	}
}
