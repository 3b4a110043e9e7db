// Command adminctl administers roles and administrator accounts directly
// against the configured storage backend.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"qazna.org/adminauth/internal/auth"
	"qazna.org/adminauth/internal/bootstrap"
	"qazna.org/adminauth/internal/config"
	"qazna.org/adminauth/internal/persist"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// env holds what every subcommand needs once the root pre-run has opened
// storage.
type env struct {
	configPath string
	svc        *auth.Service
	port       persist.Port
}

func newRootCmd() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:           "adminctl",
		Short:         "Manage admin roles, users and sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.open(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return persist.Close(e.port)
		},
	}
	root.PersistentFlags().StringVar(&e.configPath, "config", os.Getenv("ADMINAUTH_CONFIG"), "path to YAML config")

	root.AddCommand(roleCmd(e), userCmd(e), statsCmd(e), purgeCmd(e))
	return root
}

func (e *env) open(ctx context.Context) error {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return err
	}
	logger := zap.NewNop()
	port, err := bootstrap.OpenPort(ctx, cfg.Storage, bootstrap.DefaultRetry, logger)
	if err != nil {
		return err
	}
	svc, err := bootstrap.NewService(ctx, cfg, port, logger)
	if err != nil {
		_ = persist.Close(port)
		return err
	}
	e.port, e.svc = port, svc
	return nil
}

func roleCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{Use: "role", Short: "Manage roles"}

	var (
		perms  []string
		prefix string
		system bool
	)
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := e.svc.CreateRole(cmd.Context(), auth.RoleInput{
				Name:         args[0],
				Permissions:  perms,
				RolePrefix:   prefix,
				IsSystemRole: system,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), role)
		},
	}
	create.Flags().StringSliceVar(&perms, "permission", nil, "permission code (repeatable, * for all)")
	create.Flags().StringVar(&prefix, "prefix", "", "employee ID prefix")
	create.Flags().BoolVar(&system, "system", false, "mark as system role")

	cmd.AddCommand(create,
		&cobra.Command{
			Use:   "list",
			Short: "List roles",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				roles, err := e.svc.ListRoles(cmd.Context())
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, r := range roles {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Name, r.RolePrefix, strings.Join(r.Permissions, ","))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete ID",
			Short: "Delete a role no user references",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := e.svc.DeleteRole(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
				return nil
			},
		},
	)
	return cmd
}

func userCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage administrator accounts"}

	var in auth.UserInput
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an administrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.Password == "" {
				in.Password = os.Getenv("ADMINAUTH_USER_PASSWORD")
			}
			user, err := e.svc.CreateUser(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), user)
		},
	}
	create.Flags().StringVar(&in.Email, "email", "", "login email")
	create.Flags().StringVar(&in.DisplayName, "name", "", "display name")
	create.Flags().StringVar(&in.RoleID, "role", "", "role ID")
	create.Flags().StringVar(&in.Password, "password", "", "initial password (or ADMINAUTH_USER_PASSWORD)")
	_ = create.MarkFlagRequired("email")
	_ = create.MarkFlagRequired("role")

	cmd.AddCommand(create,
		&cobra.Command{
			Use:   "list",
			Short: "List administrators",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				users, err := e.svc.ListUsers(cmd.Context())
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, u := range users {
					state := "active"
					switch {
					case !u.IsActive:
						state = "inactive"
					case u.LockedUntil != nil:
						state = "locked until " + u.LockedUntil.UTC().Format("2006-01-02T15:04:05Z")
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.ID, u.EmployeeID, u.Email, state)
				}
				return nil
			},
		},
		userActionCmd(e, "unlock", "Clear lockout and failed attempts", (*auth.Service).UnlockUser),
		userActionCmd(e, "deactivate", "Deactivate and end all sessions", (*auth.Service).DeactivateUser),
		userActionCmd(e, "activate", "Reactivate an account", (*auth.Service).ActivateUser),
	)
	return cmd
}

func userActionCmd(e *env, use, short string, fn func(*auth.Service, context.Context, string) (auth.AdminUser, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := fn(e.svc, cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), user)
		},
	}
}

func statsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print subsystem statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := e.svc.GetStatistics(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func purgeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-sessions",
		Short: "Remove expired sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := e.svc.PurgeExpiredSessions(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d sessions\n", n)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
