package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/stepauth/internal/apperrors"
	"github.com/nkiryanov/stepauth/internal/testutil"
)

const (
	email    = "user@example.com"
	password = "Correct-Horse-9"
)

type cli struct {
	t      *testing.T
	global []string
	wd     string
}

func newCLI(t *testing.T, server string, global ...string) *cli {
	return &cli{
		t:      t,
		global: append([]string{"--server", server, "--secret-key", "secret"}, global...),
		wd:     t.TempDir(),
	}
}

// exec runs one command like a separate process invocation would
func (c *cli) exec(stdin string, args ...string) (string, error) {
	var out bytes.Buffer
	err := run(
		c.t.Context(),
		func(string) string { return "" },
		func() (string, error) { return c.wd, nil },
		append(append([]string{}, c.global...), args...),
		strings.NewReader(stdin),
		&out,
	)
	return out.String(), err
}

func Test_run(t *testing.T) {
	t.Run("no command prints usage", func(t *testing.T) {
		c := newCLI(t, "http://localhost:1", "--store", "memory")

		out, err := c.exec("")

		require.ErrorIs(t, err, errUsage)
		require.Contains(t, out, "mfa setup")
	})

	t.Run("invalid config", func(t *testing.T) {
		c := newCLI(t, "localhost:1")

		_, err := c.exec("", "whoami")

		require.Error(t, err)
	})

	t.Run("account lifecycle", func(t *testing.T) {
		server := testutil.StartIdentityServer(t, testutil.IdentityConfig{})
		qrFile := filepath.Join(t.TempDir(), "qr.png")
		metricsFile := filepath.Join(t.TempDir(), "stepauth.prom")
		c := newCLI(t, server.URL, "--store-path", t.TempDir(), "--metrics-file", metricsFile)

		out, err := c.exec("", "signup", "--email", email, "--password", password)
		require.NoError(t, err)
		require.Contains(t, out, "User created successfully")

		out, err = c.exec(password+"\n", "login", "--email", email)
		require.NoError(t, err)
		require.Contains(t, out, "Signed in as "+email)

		out, err = c.exec("", "whoami")
		require.NoError(t, err, "session is read back from disk")
		require.Contains(t, out, email)
		require.Contains(t, out, "second factor: off")

		out, err = c.exec("12345\n123456\n", "mfa", "setup", "--qr-file", qrFile)
		require.NoError(t, err)
		require.Contains(t, out, "Code not accepted")
		require.Contains(t, out, "Second factor enabled")
		qr, err := os.ReadFile(qrFile)
		require.NoError(t, err)
		require.Equal(t, testutil.FakeQRCode, qr)

		out, err = c.exec("", "logout")
		require.NoError(t, err)
		require.Contains(t, out, "Signed out")

		_, err = c.exec("", "whoami")
		require.ErrorIs(t, err, apperrors.ErrUnauthenticated)

		out, err = c.exec("000000\n123456\n", "login", "--email", email, "--password", password)
		require.NoError(t, err)
		require.Contains(t, out, "Code not accepted")
		require.Contains(t, out, "Signed in as "+email)

		out, err = c.exec("", "status")
		require.NoError(t, err)
		require.Contains(t, out, "second factor: on")

		out, err = c.exec(password+"\n", "mfa", "disable")
		require.NoError(t, err)
		require.Contains(t, out, "Second factor disabled")
		require.False(t, server.SecondFactorEnabled(email))

		metrics, err := os.ReadFile(metricsFile)
		require.NoError(t, err)
		require.Contains(t, string(metrics), "stepauth_transport_requests_total")
	})

	t.Run("code prompt closed cancels sign in", func(t *testing.T) {
		server := testutil.StartIdentityServer(t, testutil.IdentityConfig{})
		server.AddUser(t, email, password, true)
		c := newCLI(t, server.URL, "--store-path", t.TempDir())

		_, err := c.exec("", "login", "--email", email, "--password", password)
		require.ErrorContains(t, err, "sign in cancelled")

		_, err = c.exec("", "whoami")
		require.ErrorIs(t, err, apperrors.ErrUnauthenticated)
	})

	t.Run("namespaces keep separate sessions", func(t *testing.T) {
		server := testutil.StartIdentityServer(t, testutil.IdentityConfig{})
		server.AddUser(t, email, password, false)
		dir := t.TempDir()
		work := newCLI(t, server.URL, "--store-path", dir, "--namespace", "work")
		home := newCLI(t, server.URL, "--store-path", dir, "--namespace", "home")

		_, err := work.exec("", "login", "--email", email, "--password", password)
		require.NoError(t, err)

		_, err = work.exec("", "whoami")
		require.NoError(t, err)
		_, err = home.exec("", "whoami")
		require.ErrorIs(t, err, apperrors.ErrUnauthenticated)
	})

	t.Run("unreachable server", func(t *testing.T) {
		port, err := testutil.RandomPort()
		require.NoError(t, err)
		c := newCLI(t, "http://127.0.0.1:"+strconv.Itoa(port), "--store", "memory", "--timeout", "1s")

		_, err = c.exec("", "login", "--email", email, "--password", password)

		require.ErrorIs(t, err, apperrors.ErrNetworkFailure)
		require.Equal(t, 4, exitCode(err))
	})

	t.Run("stop with cancelled context", func(t *testing.T) {
		server := testutil.StartIdentityServer(t, testutil.IdentityConfig{})
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		err := run(ctx, func(string) string { return "" }, os.Getwd,
			[]string{"--server", server.URL, "--store", "memory", "login", "--email", email, "--password", password},
			strings.NewReader(""), &bytes.Buffer{})

		require.ErrorIs(t, err, context.Canceled)
	})
}

func Test_run_postgres(t *testing.T) {
	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	server := testutil.StartIdentityServer(t, testutil.IdentityConfig{})
	server.AddUser(t, email, password, false)
	c := newCLI(t, server.URL, "--store", "postgres", "--database", pg.DSN)

	_, err := c.exec("", "login", "--email", email, "--password", password)
	require.NoError(t, err)

	out, err := c.exec("", "whoami")
	require.NoError(t, err, "session is read back from postgres")
	require.Contains(t, out, email)

	_, err = c.exec("", "logout")
	require.NoError(t, err)
	_, err = c.exec("", "whoami")
	require.ErrorIs(t, err, apperrors.ErrUnauthenticated)
}
