// Package faults defines the pipeline's error taxonomy. Stages wrap failures in
// one of these types so the orchestrator can tell skippable conditions (a region
// with no data, a collaborator that errored for one window) from fatal ones
// (bad configuration, ledger inconsistency), and so the CLI can map failures to
// distinct exit codes.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Exit codes returned by the CLI. Anything not covered maps to ExitFailure.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfiguration = 2
	ExitGeometry      = 3
	ExitVendor        = 4
)

// ConfigurationError reports a missing or invalid required parameter or
// credential. Always fatal, detected before any stage runs.
type ConfigurationError struct {
	Setting string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration: %s: %v", e.Setting, e.Err)
	}
	return fmt.Sprintf("configuration: missing required setting %s", e.Setting)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError reports a required setting that is absent.
func NewConfigurationError(setting string) *ConfigurationError {
	return &ConfigurationError{Setting: setting}
}

// DataAbsentError reports that a region has no matching source relations.
// The region is skipped; the rest of the run continues.
type DataAbsentError struct {
	Dataset string
	Region  string
}

func (e *DataAbsentError) Error() string {
	return fmt.Sprintf("no %s source relations for region %s", e.Dataset, e.Region)
}

// GeometryResolutionError reports that none of the expected geometry column
// names exist on a source relation. Fatal to the affected export; the
// diagnostic always names the relation so the operator can inspect it.
type GeometryResolutionError struct {
	Relation   string
	Candidates []string
}

func (e *GeometryResolutionError) Error() string {
	return fmt.Sprintf("relation %s has none of the expected geometry columns (%s)",
		e.Relation, strings.Join(e.Candidates, ", "))
}

// CollaboratorInvocationError reports a failed external fetch or cluster call.
// The affected unit of work (one window, one stage) is left incomplete and the
// run continues; a rerun picks it up.
type CollaboratorInvocationError struct {
	Collaborator string // "fetch", "cluster"
	Unit         string // e.g. "nx3hail ky 20240101-20240215"
	Err          error
}

func (e *CollaboratorInvocationError) Error() string {
	return fmt.Sprintf("%s collaborator failed for %s: %v", e.Collaborator, e.Unit, e.Err)
}

func (e *CollaboratorInvocationError) Unwrap() error { return e.Err }

// VendorHTTPError reports a vendor response outside the success/redirect
// status classes. Fatal to the submission stage only.
type VendorHTTPError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *VendorHTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("vendor returned %d from %s: %s", e.StatusCode, e.Endpoint, body)
}

// IntegrityError reports a ledger row that should exist but does not, e.g. a
// provenance UPDATE that matched zero rows right after its INSERT. Signals a
// consistency bug and must never be swallowed.
type IntegrityError struct {
	Op  string
	Err error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("integrity: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("integrity: %s", e.Op)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// IsConfiguration reports whether any error in the chain is a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsDataAbsent reports whether any error in the chain is a DataAbsentError.
func IsDataAbsent(err error) bool {
	var de *DataAbsentError
	return errors.As(err, &de)
}

// IsGeometryResolution reports whether any error in the chain is a GeometryResolutionError.
func IsGeometryResolution(err error) bool {
	var ge *GeometryResolutionError
	return errors.As(err, &ge)
}

// IsCollaborator reports whether any error in the chain is a CollaboratorInvocationError.
func IsCollaborator(err error) bool {
	var ce *CollaboratorInvocationError
	return errors.As(err, &ce)
}

// IsVendorHTTP reports whether any error in the chain is a VendorHTTPError.
func IsVendorHTTP(err error) bool {
	var ve *VendorHTTPError
	return errors.As(err, &ve)
}

// IsIntegrity reports whether any error in the chain is an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsSkippable reports whether the error only affects one independent unit of
// work. Skippable failures are logged and the run moves on; everything else
// aborts the run.
func IsSkippable(err error) bool {
	return IsDataAbsent(err) || IsCollaborator(err)
}

// ExitCode maps an error to the CLI exit code for it.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsConfiguration(err):
		return ExitConfiguration
	case IsGeometryResolution(err):
		return ExitGeometry
	case IsVendorHTTP(err):
		return ExitVendor
	default:
		return ExitFailure
	}
}
