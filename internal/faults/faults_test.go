package faults

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
)

func TestIsSkippable_DataAbsent(t *testing.T) {
	err := &DataAbsentError{Dataset: "nx3hail", Region: "ky"}
	if !IsSkippable(err) {
		t.Error("DataAbsentError should be skippable")
	}
}

func TestIsSkippable_Collaborator(t *testing.T) {
	err := &CollaboratorInvocationError{
		Collaborator: "fetch",
		Unit:         "nx3hail ky 20240101-20240215",
		Err:          errors.New("connect refused"),
	}
	if !IsSkippable(err) {
		t.Error("CollaboratorInvocationError should be skippable")
	}
}

func TestIsSkippable_WrappedCollaborator(t *testing.T) {
	inner := &CollaboratorInvocationError{Collaborator: "cluster", Unit: "hail ky", Err: errors.New("boom")}
	wrapped := eris.Wrap(inner, "ingest: window failed")
	if !IsSkippable(wrapped) {
		t.Error("wrapping must not hide skippability")
	}
}

func TestIsSkippable_Fatal(t *testing.T) {
	for _, err := range []error{
		NewConfigurationError("vendor.api_key"),
		&GeometryResolutionError{Relation: "hail_cluster_boundaries_ky", Candidates: []string{"geometry", "geom"}},
		&IntegrityError{Op: "export run 12 vanished after insert"},
		&VendorHTTPError{StatusCode: 500, Endpoint: "/property/skip-trace/async"},
		errors.New("plain"),
	} {
		if IsSkippable(err) {
			t.Errorf("%T should not be skippable", err)
		}
	}
}

func TestIsSkippable_Nil(t *testing.T) {
	if IsSkippable(nil) {
		t.Error("nil error should not be skippable")
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{NewConfigurationError("db.url"), ExitConfiguration},
		{fmt.Errorf("preflight: %w", NewConfigurationError("regions")), ExitConfiguration},
		{&GeometryResolutionError{Relation: "t"}, ExitGeometry},
		{&VendorHTTPError{StatusCode: 503, Endpoint: "/x"}, ExitVendor},
		{eris.Wrap(&VendorHTTPError{StatusCode: 401, Endpoint: "/x"}, "submit: post"), ExitVendor},
		{&IntegrityError{Op: "missing run row"}, ExitFailure},
		{errors.New("anything else"), ExitFailure},
	}
	for _, c := range cases {
		if got := ExitCode(c.err); got != c.want {
			t.Errorf("ExitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestGeometryResolutionError_NamesRelation(t *testing.T) {
	err := &GeometryResolutionError{
		Relation:   "hail_cluster_boundaries_ky",
		Candidates: []string{"geometry", "geom"},
	}
	msg := err.Error()
	if want := "hail_cluster_boundaries_ky"; !strings.Contains(msg, want) {
		t.Errorf("diagnostic %q must name the relation %q", msg, want)
	}
}

func TestVendorHTTPError_TruncatesBody(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	err := &VendorHTTPError{StatusCode: 502, Endpoint: "/submit", Body: string(long)}
	if len(err.Error()) > 300 {
		t.Errorf("error message should truncate the body, got %d chars", len(err.Error()))
	}
}
