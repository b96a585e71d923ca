package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Prepare prepares cmd flag set for the invocation of its usage function by
// hiding flags that we want cobra to parse but we don't want to show to the
// user.
// The logging and configuration flags live on the root command so that
//
//	hwwatch --log self
//
// parses, but they do nothing for the commands that never touch a process.
//
// Prepare is a destructive command, cmd can not be reused after it has been
// called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "hwwatch", "help", "version":
		hideAllFlags(cmd)
	case "showint":
		hideFlag(cmd, "config")
		hideFlag(cmd, "log")
		hideFlag(cmd, "log-output")
		hideFlag(cmd, "log-dest")
	case "child", "self":
		// All flags apply
	}
}

func hideAllFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
}

func hideFlag(cmd *cobra.Command, name string) {
	if cmd == nil {
		return
	}
	flag := cmd.Flags().Lookup(name)
	if flag == nil {
		flag = cmd.PersistentFlags().Lookup(name)
	}
	if flag != nil {
		flag.Hidden = true
		return
	}
	hideFlag(cmd.Parent(), name)
}
