package command

import (
	prompt "github.com/segmentio/go-prompt"
	"github.com/spf13/cobra"

	"github.com/TIGRLab/datman-sub001/ops"
	. "github.com/TIGRLab/datman-sub001/util"
	"github.com/TIGRLab/datman-sub001/xnat"
)

func (o *opts) login() *cobra.Command {
	var insecure bool
	var user string
	cmd := &cobra.Command{
		Use:   "login [server]",
		Short: "Login to an XNAT server",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if user == "" {
				user = prompt.String("XNAT username")
			}
			pass := prompt.PasswordMasked("XNAT password")

			var options []xnat.Option
			if insecure {
				options = append(options, xnat.Insecure())
			}
			client, err := xnat.NewClient(args[0], xnat.Credentials{User: user, Pass: pass}, options...)
			Check(err)

			creds := &Creds{Server: args[0], User: user, Pass: pass, Insecure: insecure}
			creds.Save()
			o.Client = client
			Println("You are now logged in as", user+"!")
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "XNAT username")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Ignore SSL errors")
	return cmd
}

func (o *opts) logout() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Delete your saved XNAT login",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			Check(DeleteState())
			Println("You are now logged out.")
		},
	}

	return cmd
}

func (o *opts) status() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "See your current login status",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			o.initClient()
			ops.Status(o.Client)
		},
	}

	return cmd
}
