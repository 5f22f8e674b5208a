package storage

import (
	"github.com/stretchr/testify/require"
	"testing"
)

func TestDSN(t *testing.T) {
	config := Config{
		User:     "a",
		Password: "b",
		Host:     "c",
		Port:     5432,
		DBName:   "d",
	}
	expected := "user=a password=b host=c port=5432 dbname=d sslmode=disable"
	actual := config.DSN()
	require.Equal(t, expected, actual)
}

func TestDSNSSLMode(t *testing.T) {
	config := Config{
		User:     "a",
		Password: "b",
		Host:     "c",
		Port:     6432,
		DBName:   "d",
		SSLMode:  "require",
	}
	require.Equal(t, "user=a password=b host=c port=6432 dbname=d sslmode=require", config.DSN())
}

func TestDSNURL(t *testing.T) {
	config := Config{URL: "postgres://a:b@c:5432/d", Host: "ignored"}
	require.Equal(t, "postgres://a:b@c:5432/d", config.DSN())
}
