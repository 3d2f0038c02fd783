package updater

import "fmt"

// NetworkError marks a transient metadata-fetch failure. Callers treat it
// as "no update available this cycle" and never crash the loop on it.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// DownloadError marks a failure while materializing a bundle on disk:
// hash mismatch, short write, or a failed transfer. No partial file is
// left behind when it is returned.
type DownloadError struct {
	Path string
	Err  error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download error: %s: %v", e.Path, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }
