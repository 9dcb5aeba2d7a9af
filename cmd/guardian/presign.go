package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ligun0805/mempool-guardian/internal/chain"
)

var presignCmd = &cobra.Command{
	Use:   "presign",
	Short: "Fill the pre-signed pool once and print its slots without sending",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		key, err := promptKey(settings.SignerPrivateKeyHex)
		if err != nil {
			return err
		}
		settings.SignerPrivateKeyHex = key
		if err := settings.Validate(); err != nil {
			return fmt.Errorf("invalid configuration:\n%w", err)
		}
		n, err := dialNode(ctx, settings)
		if err != nil {
			return err
		}
		defer n.ec.Close()
		sg, err := buildSigner(n, settings)
		if err != nil {
			return err
		}
		pool, err := buildPool(n, sg, settings)
		if err != nil {
			return err
		}
		settings.Print(os.Stdout, n.chainID, sg.Address())
		if err := pool.Initialize(ctx); err != nil {
			return err
		}

		snap := pool.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		base, _ := pool.BaseNonce()
		fmt.Printf("base nonce: %d\n", base)
		for _, k := range keys {
			fmt.Printf("[%s]\n", chain.Label(n.chainID, snap[k][0].Asset))
			for _, e := range snap[k] {
				fmt.Printf("  nonce=%-6d gas=%-40s limit=%-7d %s\n", e.Nonce, e.Gas, e.GasLimit, e.Hash.Hex())
			}
		}
		return nil
	},
}
