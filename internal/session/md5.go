package session

import (
	"crypto/md5"
	"encoding/hex"
)

// md5PasswordHash computes PostgreSQL's md5 challenge response:
// "md5" + md5(md5(password+user)+salt). shardbouncer plays the server
// role here, verifying a client's response against its own stored
// password the same way a real backend would.
func md5PasswordHash(user, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt[:]...))
	return "md5" + hex.EncodeToString(outer[:])
}
