//go:build !linux && !darwin

package service

type unsupported struct{}

// New returns a manager whose operations fail with ErrUnsupported.
func New() Service {
	return unsupported{}
}

func (unsupported) Install() error          { return ErrUnsupported }
func (unsupported) Uninstall() error        { return ErrUnsupported }
func (unsupported) IsInstalled() bool       { return false }
func (unsupported) Status() (string, error) { return "unsupported", nil }
