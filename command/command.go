package command

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/TIGRLab/datman-sub001/config"
	"github.com/TIGRLab/datman-sub001/ops"
	. "github.com/TIGRLab/datman-sub001/util"
	"github.com/TIGRLab/datman-sub001/xnat"
)

// Each command is separated into its own function.
// This is to prevent any flag variable pointers from cross-contaminating.

func BuildCommand(version, buildHash, buildDate string) *cobra.Command {
	o := opts{}

	cmd := o.datman()
	cmd.AddCommand(o.login())
	cmd.AddCommand(o.logout())
	cmd.AddCommand(o.status())
	cmd.AddCommand(o.extract())
	cmd.AddCommand(o.upload())
	cmd.AddCommand(o.pruneResources())
	cmd.AddCommand(o.checklist())
	cmd.AddCommand(o.version(version, buildHash, buildDate))

	return cmd
}

type opts struct {
	Client *xnat.Client
	Creds  *Creds

	configPath string
	credsFile  string
	server     string
	dryRun     bool
	debug      bool
}

func (o *opts) datman() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "datman",
		Short: "Manage neuroimaging study data",

		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if o.debug {
				SetDebug()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&o.configPath, "config", "c", os.Getenv("DM_CONFIG"), "Study config file")
	cmd.PersistentFlags().StringVar(&o.credsFile, "credfile", "", "File holding the XNAT username and password on its first two lines")
	cmd.PersistentFlags().StringVar(&o.server, "server", "", "XNAT server, overriding the study config")
	cmd.PersistentFlags().BoolVarP(&o.dryRun, "dry-run", "n", false, "Log actions without changing anything")
	cmd.PersistentFlags().BoolVar(&o.debug, "debug", false, "Enable debug logging")

	return cmd
}

func (o *opts) version(version, buildHash, buildDate string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ops.Version(version, buildHash, buildDate)
		},
	}

	return cmd
}

// study loads the config file named by --config or DM_CONFIG and stamps the
// runtime flags onto it.
func (o *opts) study() *config.Config {
	if o.configPath == "" {
		FatalWithMessage("No study config given. Pass --config or set DM_CONFIG.")
	}
	cfg, err := config.Load(o.configPath)
	Check(err)
	cfg.DryRun = o.dryRun
	cfg.Debug = o.debug
	return cfg
}

// serverHint picks the XNAT server to connect to: the flag wins, then the
// study config, then the saved login.
func (o *opts) serverHint() string {
	if o.server != "" {
		return o.server
	}
	if o.configPath != "" {
		if cfg, err := config.Load(o.configPath); err == nil && cfg.XnatServer != "" {
			return cfg.XnatServer
		}
	}
	if o.Creds == nil {
		o.Creds, _ = LoadState()
	}
	if o.Creds != nil {
		return o.Creds.Server
	}
	return ""
}

// General client initialization. Calling once already initialized is a no-op.
// Credentials resolve env vars first, then --credfile, then the saved login.
func (o *opts) initClient() {
	if o.Client != nil {
		return
	}
	if o.Creds == nil {
		o.Creds, _ = LoadState()
	}

	insecure := false
	creds, err := xnat.LoadCredentials(o.credsFile)
	if err != nil {
		if o.Creds == nil {
			return
		}
		creds = xnat.Credentials{User: o.Creds.User, Pass: o.Creds.Pass}
		insecure = o.Creds.Insecure
	}

	server := o.serverHint()
	if server == "" {
		return
	}

	var options []xnat.Option
	if insecure {
		options = append(options, xnat.Insecure())
	}
	client, err := xnat.NewClient(server, creds, options...)
	if err != nil {
		Log.Warn("cannot connect to xnat", "server", server, "err", err)
		return
	}
	o.Client = client
}

// Helper func that requires a working XNAT login.
func (o *opts) RequireClient(cmd *cobra.Command, args []string) {
	o.initClient()

	if o.Client == nil {
		Println("You are not currently logged in.")
		Println("Try `datman login` to connect to an XNAT server.")
		os.Exit(1)
	}
}
