// Command kernel is a demo host exercising the public kernel API from the
// shell: boot a kernel, execute transactions against it, seal it, and
// export/verify its history. Mirrors the teacher's cmd/synnergy subcommand
// layout — a thin cobra tree with no business logic of its own, delegating
// everything to the internal packages.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/srcp/kernel/internal/adapters"
	"github.com/srcp/kernel/internal/kernel"
	"github.com/srcp/kernel/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "kernel"}
	rootCmd.AddCommand(bootCmd())
	rootCmd.AddCommand(txCmd())
	rootCmd.AddCommand(sealCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(configCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() config.Config {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		d := config.Defaults()
		return d
	}
	return *cfg
}

func newDemoKernel(username string) (*kernel.Kernel, error) {
	cfg := loadConfig()
	if username == "" {
		username = cfg.Kernel.IdentityUsername
	}
	return kernel.Boot(kernel.Options{
		Adapters: adapters.Set{
			Clock:  adapters.NewSystemClock(0),
			Nonce:  adapters.UUIDNonce{},
			Logger: adapters.NewLogrusLogger(nil),
		},
		IdentityUsername: username,
		DisableSigning:   !cfg.Kernel.SigningEnabled,
		LockDate:         cfg.Kernel.LockDate,
		LockMath:         cfg.Kernel.LockMath,
	})
}

func bootCmd() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "boot",
		Short: "boot a fresh kernel and print its genesis snapshot",
		Run: func(cmd *cobra.Command, args []string) {
			k, err := newDemoKernel(username)
			if err != nil {
				fmt.Fprintln(os.Stderr, "boot failed:", err)
				os.Exit(1)
			}
			printJSON(k.Snapshot())
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "identity username")
	return cmd
}

func txCmd() *cobra.Command {
	var username, txType, payload string
	cmd := &cobra.Command{
		Use:   "tx",
		Short: "boot a kernel and execute one transaction against it",
		Run: func(cmd *cobra.Command, args []string) {
			k, err := newDemoKernel(username)
			if err != nil {
				fmt.Fprintln(os.Stderr, "boot failed:", err)
				os.Exit(1)
			}
			result, err := k.ExecuteTransaction(cmd.Context(), txType, payload)
			if err != nil {
				fmt.Fprintln(os.Stderr, "transaction failed:", err)
				os.Exit(1)
			}
			printJSON(result)
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "identity username")
	cmd.Flags().StringVar(&txType, "type", "demo.tx", "transaction type")
	cmd.Flags().StringVar(&payload, "payload", "", "transaction payload")
	return cmd
}

func sealCmd() *cobra.Command {
	var username string
	var count int
	cmd := &cobra.Command{
		Use:   "seal",
		Short: "boot a kernel, run a few transactions, seal it, print the final snapshot",
		Run: func(cmd *cobra.Command, args []string) {
			k, err := newDemoKernel(username)
			if err != nil {
				fmt.Fprintln(os.Stderr, "boot failed:", err)
				os.Exit(1)
			}
			for i := 0; i < count; i++ {
				if _, err := k.ExecuteTransaction(cmd.Context(), "demo.tx", i); err != nil {
					fmt.Fprintln(os.Stderr, "transaction failed:", err)
					os.Exit(1)
				}
			}
			k.Seal()
			printJSON(k.Snapshot())
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "identity username")
	cmd.Flags().IntVar(&count, "count", 3, "number of demo transactions before sealing")
	return cmd
}

func exportCmd() *cobra.Command {
	var username, outPath string
	var count int
	cmd := &cobra.Command{
		Use:   "export",
		Short: "boot a kernel, run demo transactions, write an export blob",
		Run: func(cmd *cobra.Command, args []string) {
			k, err := newDemoKernel(username)
			if err != nil {
				fmt.Fprintln(os.Stderr, "boot failed:", err)
				os.Exit(1)
			}
			for i := 0; i < count; i++ {
				if _, err := k.ExecuteTransaction(cmd.Context(), "demo.tx", i); err != nil {
					fmt.Fprintln(os.Stderr, "transaction failed:", err)
					os.Exit(1)
				}
			}
			blob, err := k.Export()
			if err != nil {
				fmt.Fprintln(os.Stderr, "export failed:", err)
				os.Exit(1)
			}
			data, err := json.MarshalIndent(blob, "", "  ")
			if err != nil {
				fmt.Fprintln(os.Stderr, "marshal failed:", err)
				os.Exit(1)
			}
			if outPath == "" {
				fmt.Println(string(data))
				return
			}
			if err := os.WriteFile(outPath, data, 0600); err != nil {
				fmt.Fprintln(os.Stderr, "write failed:", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "identity username")
	cmd.Flags().IntVar(&count, "count", 3, "number of demo transactions to export")
	cmd.Flags().StringVar(&outPath, "out", "", "output file path (stdout if empty)")
	return cmd
}

func verifyCmd() *cobra.Command {
	var inPath string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "verify an export blob written by 'export'",
		Run: func(cmd *cobra.Command, args []string) {
			data, err := os.ReadFile(inPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, "read failed:", err)
				os.Exit(1)
			}
			var blob kernel.ExportBlob
			if err := json.Unmarshal(data, &blob); err != nil {
				fmt.Fprintln(os.Stderr, "unmarshal failed:", err)
				os.Exit(1)
			}
			result := kernel.VerifyExport(blob)
			printJSON(result)
			if !result.Valid {
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "path to an export blob written by 'export'")
	cmd.MarkFlagRequired("in")
	return cmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "print the effective boot configuration as YAML",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			data, err := yaml.Marshal(cfg)
			if err != nil {
				fmt.Fprintln(os.Stderr, "marshal failed:", err)
				os.Exit(1)
			}
			fmt.Print(string(data))
		},
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "marshal failed:", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
