//go:build !linux

package realize

import "errors"

// reflink is unsupported off linux in this build; the caller degrades to
// hardlink or copy. (APFS clonefile would slot in here for darwin.)
func reflink(_, _ string) error {
	return errors.New("realize: reflink unsupported on this platform")
}
