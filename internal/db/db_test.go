package db

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usermgmt/apiserver/config"
)

func TestDSN(t *testing.T) {
	cfg := config.DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "usermgmt",
		Password: "p@ss/word",
		DBName:   "usermgmt_db",
	}

	u, err := url.Parse(DSN(cfg))
	require.NoError(t, err)
	assert.Equal(t, "postgres", u.Scheme)
	assert.Equal(t, "db.internal:5433", u.Host)
	assert.Equal(t, "/usermgmt_db", u.Path)
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss/word", pw)
	assert.Equal(t, "disable", u.Query().Get("sslmode"))

	cfg.UseSSL = true
	u, err = url.Parse(DSN(cfg))
	require.NoError(t, err)
	assert.Equal(t, "require", u.Query().Get("sslmode"))
}
