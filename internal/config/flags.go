package config

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// BindFlags connects already-registered flags to viper keys so the
// precedence chain is flag > env > config file > default. Flags missing
// on cmd are ignored.
func BindFlags(v *viper.Viper, cmd *cobra.Command, flagToKey map[string]string) {
	for name, key := range flagToKey {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		_ = v.BindPFlag(key, f)
	}
}
