package installer

import "errors"

var (
	ErrAlreadyInstalling   = errors.New("an installation is already running")
	ErrNoTeamFound         = errors.New("no eligible development team found")
	ErrAppExtractionFailed = errors.New("app extraction failed")
	ErrAppPackagingFailed  = errors.New("app packaging failed")
	ErrPairingFailed       = errors.New("device pairing failed")
	ErrNoCredentials       = errors.New("no credentials provided")
)
