// Package testing holds helpers shared by tests of other packages.
package testing

import "math/rand"

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// RandString returns a random 10 letter string, unique enough for usernames in a shared database
func RandString() string {
	return RandStringN(10)
}

// RandStringN returns a random string of n ASCII letters
func RandStringN(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
