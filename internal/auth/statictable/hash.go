/*
Maitred - programmable mail transfer agent.
Copyright © 2024-2026 The Maitred Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package statictable

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/sha256_crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	HashSHA256 = "sha256"
	HashBcrypt = "bcrypt"
	HashArgon2 = "argon2"
	HashCrypt  = "crypt"

	DefaultHash = HashBcrypt

	argon2Salt = 16
	argon2Size = 64
)

type (
	// HashOpts is the structure that holds additional parameters for used hash
	// functions. They are used for new passwords.
	//
	// These parameters should be stored together with the hashed password
	// so it can be verified independently of the used HashOpts.
	HashOpts struct {
		// Bcrypt cost value to use. Should be at least 10.
		BcryptCost int

		Argon2Time    uint32
		Argon2Memory  uint32
		Argon2Threads uint8
	}

	FuncHashCompute func(opts HashOpts, pass string) (string, error)
	FuncHashVerify  func(pass, hashSalt string) error
)

var (
	HashCompute = map[string]FuncHashCompute{
		HashBcrypt: computeBcrypt,
		HashArgon2: computeArgon2,
		HashSHA256: computeSHA256,
	}
	HashVerify = map[string]FuncHashVerify{
		HashBcrypt: verifyBcrypt,
		HashArgon2: verifyArgon2,
		HashSHA256: verifySHA256,
		HashCrypt:  verifyCrypt,
	}
)

func computeArgon2(opts HashOpts, pass string) (string, error) {
	salt := make([]byte, argon2Salt)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("statictable: failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(pass), salt, opts.Argon2Time, opts.Argon2Memory, opts.Argon2Threads, argon2Size)
	var out strings.Builder
	out.WriteString(strconv.FormatUint(uint64(opts.Argon2Time), 10))
	out.WriteRune(':')
	out.WriteString(strconv.FormatUint(uint64(opts.Argon2Memory), 10))
	out.WriteRune(':')
	out.WriteString(strconv.FormatUint(uint64(opts.Argon2Threads), 10))
	out.WriteRune(':')
	out.WriteString(base64.StdEncoding.EncodeToString(salt))
	out.WriteRune(':')
	out.WriteString(base64.StdEncoding.EncodeToString(hash))
	return out.String(), nil
}

func verifyArgon2(pass, hashSalt string) error {
	parts := strings.SplitN(hashSalt, ":", 5)
	if len(parts) != 5 {
		return errors.New("statictable: malformed hash string")
	}

	time, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return fmt.Errorf("statictable: malformed hash string: %w", err)
	}
	memory, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return fmt.Errorf("statictable: malformed hash string: %w", err)
	}
	threads, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return fmt.Errorf("statictable: malformed hash string: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("statictable: malformed hash string: %w", err)
	}
	hash, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("statictable: malformed hash string: %w", err)
	}

	passHash := argon2.IDKey([]byte(pass), salt, uint32(time), uint32(memory), uint8(threads), argon2Size)
	if subtle.ConstantTimeCompare(passHash, hash) != 1 {
		return errors.New("statictable: hash mismatch")
	}
	return nil
}

func computeSHA256(_ HashOpts, pass string) (string, error) {
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("statictable: failed to generate salt: %w", err)
	}

	hashInput := salt
	hashInput = append(hashInput, []byte(pass)...)
	sum := sha256.Sum256(hashInput)
	return base64.StdEncoding.EncodeToString(salt) + ":" + base64.StdEncoding.EncodeToString(sum[:]), nil
}

func verifySHA256(pass, hashSalt string) error {
	parts := strings.Split(hashSalt, ":")
	if len(parts) != 2 {
		return errors.New("statictable: malformed hash string, no salt")
	}
	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return fmt.Errorf("statictable: malformed hash string, cannot decode pass: %w", err)
	}
	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("statictable: malformed hash string, cannot decode pass: %w", err)
	}

	hashInput := salt
	hashInput = append(hashInput, []byte(pass)...)
	sum := sha256.Sum256(hashInput)

	if subtle.ConstantTimeCompare(sum[:], hash) != 1 {
		return errors.New("statictable: hash mismatch")
	}
	return nil
}

func computeBcrypt(opts HashOpts, pass string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), opts.BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyBcrypt(pass, hashSalt string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashSalt), []byte(pass))
}

// verifyCrypt handles classic crypt(3) strings, $5$ (SHA256) and $6$
// (SHA512), as produced by mkpasswd and friends.
func verifyCrypt(pass, hashSalt string) (err error) {
	// crypt.NewFromHash panics on an unknown hash function.
	defer func() {
		if rcvr := recover(); rcvr != nil {
			err = fmt.Errorf("statictable: %v", rcvr)
		}
	}()

	if err := crypt.NewFromHash(hashSalt).Verify(hashSalt, []byte(pass)); err != nil {
		if errors.Is(err, crypt.ErrKeyMismatch) {
			return errors.New("statictable: hash mismatch")
		}
		return err
	}
	return nil
}
