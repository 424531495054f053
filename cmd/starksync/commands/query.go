package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/starksync/config"
	"github.com/tendermint/starksync/internal/store"
	"github.com/tendermint/starksync/libs/log"
	"github.com/tendermint/starksync/node"
	"github.com/tendermint/starksync/types"
)

var errNotFound = errors.New("not found")

type headOutput struct {
	BlockNumber uint64     `json:"block_number"`
	BlockHash   types.Felt `json:"block_hash"`
	StateRoot   types.Felt `json:"state_root"`
}

type blockOutput struct {
	BlockNumber      uint64     `json:"block_number"`
	BlockHash        types.Felt `json:"block_hash"`
	ParentBlockHash  types.Felt `json:"parent_block_hash"`
	StateRoot        types.Felt `json:"state_root"`
	Timestamp        uint64     `json:"timestamp"`
	TransactionCount uint64     `json:"transaction_count"`
	ProtocolVersion  string     `json:"protocol_version"`
}

type valueOutput struct {
	Block   string      `json:"block"`
	Address types.Felt  `json:"address"`
	Key     *types.Felt `json:"key,omitempty"`
	Value   types.Felt  `json:"value"`
}

// MakeQueryCommand returns the command reading the local store. The node
// must not be running: goleveldb holds an exclusive lock on the database.
func MakeQueryCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	var blockFlag string

	withStore := func(cmd *cobra.Command, fn func(*store.Store) (interface{}, error)) error {
		// never restore into the database from a read-only command
		qconf := *conf
		dbConf := *conf.DB
		dbConf.RestoreFromLatestBackup = false
		qconf.DB = &dbConf

		st, err := node.OpenStore(cmd.Context(), &qconf, config.DefaultDBProvider, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := st.Close(); err != nil {
				logger.Error("error closing store", "err", err)
			}
		}()

		out, err := fn(st)
		if err != nil {
			return err
		}
		bz, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(bz))
		return err
	}

	contractQuery := func(use, short string, nArgs int,
		get func(st *store.Store, id types.BlockID, args []types.Felt) (types.Felt, bool, error),
	) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(nArgs),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := types.ParseBlockID(blockFlag)
				if err != nil {
					return err
				}
				felts := make([]types.Felt, len(args))
				for i, arg := range args {
					if felts[i], err = types.FeltFromHex(arg); err != nil {
						return fmt.Errorf("argument %d: %w", i+1, err)
					}
				}
				return withStore(cmd, func(st *store.Store) (interface{}, error) {
					v, ok, err := get(st, id, felts)
					if err != nil {
						return nil, err
					}
					if !ok {
						return nil, fmt.Errorf("%s at block %s: %w", cmd.Name(), id, errNotFound)
					}
					out := valueOutput{Block: id.String(), Address: felts[0], Value: v}
					if len(felts) > 1 {
						out.Key = &felts[1]
					}
					return out, nil
				})
			},
		}
	}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query the local store",
	}
	cmd.PersistentFlags().StringVar(&blockFlag, "block", "latest", "block to query at: latest | pending | <number> | <0x hash>")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "head",
			Short: "Show the latest stored block",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, func(st *store.Store) (interface{}, error) {
					tip, ok := st.ChainTip()
					if !ok {
						return nil, fmt.Errorf("chain tip: %w", errNotFound)
					}
					return headOutput{BlockNumber: tip.BlockN, BlockHash: tip.BlockHash, StateRoot: tip.StateRoot}, nil
				})
			},
		},
		&cobra.Command{
			Use:   "block",
			Short: "Show the header of the block selected by --block",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := types.ParseBlockID(blockFlag)
				if err != nil {
					return err
				}
				return withStore(cmd, func(st *store.Store) (interface{}, error) {
					info, err := st.BlockInfoByID(id)
					if err != nil {
						return nil, err
					}
					if info == nil {
						return nil, fmt.Errorf("block %s: %w", id, errNotFound)
					}
					return blockOutput{
						BlockNumber:      info.Header.BlockNumber,
						BlockHash:        info.BlockHash,
						ParentBlockHash:  info.Header.ParentBlockHash,
						StateRoot:        info.Header.GlobalStateRoot,
						Timestamp:        info.Header.BlockTimestamp,
						TransactionCount: info.Header.TransactionCount,
						ProtocolVersion:  info.Header.ProtocolVersion,
					}, nil
				})
			},
		},
		contractQuery("class-hash <address>", "Show the class hash of a contract", 1,
			func(st *store.Store, id types.BlockID, args []types.Felt) (types.Felt, bool, error) {
				return st.ContractClassHash(id, args[0])
			}),
		contractQuery("nonce <address>", "Show the nonce of a contract", 1,
			func(st *store.Store, id types.BlockID, args []types.Felt) (types.Felt, bool, error) {
				return st.ContractNonce(id, args[0])
			}),
		contractQuery("storage <address> <key>", "Show a storage slot of a contract", 2,
			func(st *store.Store, id types.BlockID, args []types.Felt) (types.Felt, bool, error) {
				return st.ContractStorage(id, args[0], args[1])
			}),
	)
	return cmd
}
