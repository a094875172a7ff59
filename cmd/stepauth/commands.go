package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/nkiryanov/stepauth/internal/apperrors"
	"github.com/nkiryanov/stepauth/internal/stepup"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, app *App, con *console, args []string) error
}

var commands = []command{
	{"signup", "Register a new account", signup},
	{"login", "Sign in, asking for a one-time code if the account needs one", login},
	{"logout", "Sign out and forget the local session", logout},
	{"whoami", "Show the signed-in user from the local session", whoami},
	{"status", "Ask the identity service whether the second factor is on", status},
	{"mfa setup", "Enroll an authenticator app as second factor", mfaSetup},
	{"mfa disable", "Turn the second factor off", mfaDisable},
}

// findCommand matches the longest command name at the start of args
func findCommand(args []string) (command, []string, bool) {
	var (
		found command
		words int
	)
	for _, cmd := range commands {
		name := strings.Fields(cmd.name)
		if len(name) > len(args) || len(name) <= words {
			continue
		}
		if strings.Join(args[:len(name)], " ") == cmd.name {
			found, words = cmd, len(name)
		}
	}
	return found, args[words:], words > 0
}

func usage() string {
	var b strings.Builder
	b.WriteString("usage: stepauth [global flags] <command> [flags]\n\ncommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(&b, "  %-12s %s\n", cmd.name, cmd.usage)
	}
	return b.String()
}

func newFlagSet(name string) *pflag.FlagSet {
	return pflag.NewFlagSet(name, pflag.ContinueOnError)
}

func signup(ctx context.Context, app *App, con *console, args []string) error {
	var email, password string
	fs := newFlagSet("signup")
	fs.StringVar(&email, "email", "", "Account email")
	fs.StringVar(&password, "password", "", "Account password, asked if not given")
	if err := fs.Parse(args); err != nil {
		return err
	}

	email, err := con.value(email, "Email")
	if err != nil {
		return err
	}
	password, err = con.value(password, "Password")
	if err != nil {
		return err
	}

	msg, err := app.Flow.Signup(ctx, email, password)
	if err != nil {
		return err
	}
	con.println(msg)
	return nil
}

func login(ctx context.Context, app *App, con *console, args []string) error {
	var email, password, code string
	fs := newFlagSet("login")
	fs.StringVar(&email, "email", "", "Account email")
	fs.StringVar(&password, "password", "", "Account password, asked if not given")
	fs.StringVar(&code, "code", "", "One-time code, asked if required and not given")
	if err := fs.Parse(args); err != nil {
		return err
	}

	email, err := con.value(email, "Email")
	if err != nil {
		return err
	}
	password, err = con.value(password, "Password")
	if err != nil {
		return err
	}

	state, err := app.Flow.SubmitCredentials(ctx, email, password)
	if err != nil {
		return err
	}

	for state == stepup.StateSecondFactorPending {
		if code == "" {
			code, err = con.ask("One-time code")
			if err != nil {
				_ = app.Flow.Cancel()
				return fmt.Errorf("sign in cancelled: %w", err)
			}
		}

		state, err = app.Flow.SubmitCode(ctx, code)
		code = ""
		switch {
		case err == nil:
		case errors.Is(err, apperrors.ErrInvalidCodeFormat), errors.Is(err, apperrors.ErrServerRejected) && state == stepup.StateSecondFactorPending:
			con.println("Code not accepted:", err)
		default:
			return err
		}
	}

	if state != stepup.StateEstablished {
		return fmt.Errorf("sign in did not complete (%s)", state)
	}
	con.printf("Signed in as %s\n", email)
	return nil
}

func logout(ctx context.Context, app *App, con *console, _ []string) error {
	if err := app.Flow.Logout(ctx); err != nil {
		return err
	}
	con.println("Signed out")
	return nil
}

func whoami(_ context.Context, app *App, con *console, _ []string) error {
	current, ok := app.Store.Get()
	if !ok {
		return apperrors.ErrUnauthenticated
	}

	if current.Profile == nil {
		con.println("Signed in")
		return nil
	}
	con.printf("%s (id %s)\n", current.Profile.Email, current.Profile.ID)
	con.printf("second factor: %s\n", onOff(current.Profile.SecondFactorEnabled))
	if expires := current.ExpiresAt(); !expires.IsZero() {
		con.printf("access token expires: %s\n", expires.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func status(ctx context.Context, app *App, con *console, _ []string) error {
	profile, err := app.Flow.RefreshProfile(ctx)
	if err != nil {
		return err
	}
	con.printf("second factor: %s\n", onOff(profile.SecondFactorEnabled))
	return nil
}

func mfaSetup(ctx context.Context, app *App, con *console, args []string) error {
	var qrFile, code string
	fs := newFlagSet("mfa setup")
	fs.StringVar(&qrFile, "qr-file", "", "Save the QR code PNG to this file")
	fs.StringVar(&code, "code", "", "One-time code from the authenticator, asked if not given")
	if err := fs.Parse(args); err != nil {
		return err
	}

	enrollment, err := app.Flow.BeginEnrollment(ctx)
	if err != nil {
		return err
	}

	con.printf("Secret: %s\n", enrollment.Secret)
	if qrFile != "" {
		if err := os.WriteFile(qrFile, enrollment.QRCode, 0o600); err != nil {
			app.Flow.CancelEnrollment()
			return fmt.Errorf("error while saving QR code. Err: %w", err)
		}
		con.printf("QR code saved to %s\n", qrFile)
	}
	if len(enrollment.RecoveryCodes) > 0 {
		con.println("Recovery codes, keep them safe:")
		for _, rc := range enrollment.RecoveryCodes {
			con.println("  " + rc)
		}
	}

	for {
		if code == "" {
			code, err = con.ask("One-time code")
			if err != nil {
				app.Flow.CancelEnrollment()
				return fmt.Errorf("setup cancelled: %w", err)
			}
		}

		err = app.Flow.ConfirmEnrollment(ctx, code)
		code = ""
		switch {
		case err == nil:
			con.println("Second factor enabled")
			return nil
		case errors.Is(err, apperrors.ErrInvalidCodeFormat), errors.Is(err, apperrors.ErrServerRejected) && !errors.Is(err, apperrors.ErrSessionExpired):
			con.println("Code not accepted:", err)
		default:
			return err
		}
	}
}

func mfaDisable(ctx context.Context, app *App, con *console, args []string) error {
	var password string
	fs := newFlagSet("mfa disable")
	fs.StringVar(&password, "password", "", "Account password, asked if not given")
	if err := fs.Parse(args); err != nil {
		return err
	}

	password, err := con.value(password, "Password")
	if err != nil {
		return err
	}

	if err := app.Flow.DisableSecondFactor(ctx, password); err != nil {
		return err
	}
	con.println("Second factor disabled")
	return nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// exitCode tells scripts why the command failed
func exitCode(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrUnauthenticated), errors.Is(err, apperrors.ErrSessionExpired):
		return 3
	case errors.Is(err, apperrors.ErrNetworkFailure):
		return 4
	default:
		return 1
	}
}
