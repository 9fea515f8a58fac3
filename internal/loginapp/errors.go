package loginapp

import (
	"fmt"

	ioutil "github.com/nullpointer-dev/bwnet/internal/ioutil"
)

// Login error codes, a single byte in range [64,85] per the login
// application's wire contract.
const (
	ErrCodeMalformedRequest byte = 64 + iota
	ErrCodeBadProtocol
	ErrCodeInvalidCredentials
	ErrCodeAlreadyLoggedIn
	ErrCodeBadDigest
	ErrCodeDatabaseNotReady
	ErrCodeBaseAppNotReady
	ErrCodeCellAppNotReady
	ErrCodeOverloaded
	ErrCodeIllegalCharacters
	ErrCodeNoBaseApp
	ErrCodeTimedOut
	ErrCodeLoginNotAllowed
	ErrCodeRateLimited
	ErrCodeBanned
	ErrCodeChallengeError
)

// LoginError is the typed error a handler returns to drive an error
// LoginResponse back to the client. Its payload is a single length-prefixed
// string, usually JSON for ErrCodeBanned.
type LoginError struct {
	Code    byte
	Message string
}

func (e LoginError) Error() string {
	return fmt.Sprintf("loginapp: login error %d: %s", e.Code, e.Message)
}

// EncodeLoginError renders the error payload: the code byte followed by a
// length-prefixed message string.
func EncodeLoginError(e LoginError) []byte {
	buf := make([]byte, 1+ioutil.RichLengthSize(uint32(len(e.Message)))+len(e.Message))
	buf[0] = e.Code
	ioutil.PutLengthPrefixedString(buf, 1, e.Message)
	return buf
}
