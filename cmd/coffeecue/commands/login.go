package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fruithappens/coffeecue/internal/printer"
	"github.com/fruithappens/coffeecue/pkg/credential"
	"github.com/spf13/cobra"
)

var loginUsername string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate against the order API and store the credential",
	Long: `Exchange a username and password for a bearer credential and store it in
the namespace, where every client session instance picks it up.

The password is read from the first line of stdin.

Examples:
  echo "$BARISTA_PASSWORD" | coffeecue login --username barista1`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored credential",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

func init() {
	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "Username (required)")
	loginCmd.MarkFlagRequired("username")
	rootCmd.AddCommand(loginCmd, logoutCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	password, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	password = strings.TrimRight(password, "\r\n")
	if password == "" {
		return printer.Error(
			"no password given",
			fmt.Sprintf("Could not read a password from stdin: %v", err),
			[]string{"Pipe the password in:\n  echo \"$PASSWORD\" | coffeecue login --username " + loginUsername},
		)
	}

	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	cred, err := app.Credentials.Login(ctx, loginUsername, password)
	if err != nil {
		suggestion := "Check the username and password"
		if errors.Is(err, credential.ErrUnreachable) {
			suggestion = fmt.Sprintf("Check the API is reachable at %s", app.Config.API.URL)
		}
		return printer.Error("login failed", fmt.Sprintf("Error: %v", err), []string{suggestion})
	}

	printer.Success("Logged in as %s (%s), credential expires %s\n",
		cred.Claims.Subject, cred.Claims.Role, cred.ExpiresAt().Format(time.RFC3339))
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Credentials.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	printer.Success("Credential removed\n")
	return nil
}
