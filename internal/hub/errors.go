package hub

import "fmt"

// RemoteError reports a failed hub call: either a non-success HTTP status
// or a transport failure. The two cases need different remediation
// (wrong repo vs. network), so Status and Err are kept separate.
type RemoteError struct {
	Op     string
	Repo   string
	File   string
	Status int   // non-zero when the hub answered with a bad status
	Err    error // non-nil on transport failure
}

func (e *RemoteError) Error() string {
	target := e.Repo
	if e.File != "" {
		target += "/" + e.File
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Op, target, e.Err)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Op, target, e.Status)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// DecodeError reports a metadata response that could not be parsed.
type DecodeError struct {
	Repo string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("parsing model info for %s: %v", e.Repo, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
