package cli

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"

	"github.com/radieske/vault-settlement/internal/vault"
)

// EncodedInstruction é a saída de `vaultctl encode`
type EncodedInstruction struct {
	Instruction string        `json:"instruction"`
	Program     string        `json:"program,omitempty"`
	Data        string        `json:"data"`
	Encoding    string        `json:"encoding"`
	Accounts    []AccountView `json:"accounts,omitempty"`
}

type AccountView struct {
	Pubkey   string `json:"pubkey"`
	Writable bool   `json:"writable"`
	Signer   bool   `json:"signer"`
}

// settleItemJSON é o formato aceito por `encode batch-settle`
type settleItemJSON struct {
	BetID     string  `json:"betId"`
	UserVault string  `json:"userVault"`
	Stake     uint64  `json:"stake"`
	Payout    uint64  `json:"payout"`
	GameID    uint64  `json:"gameId"`
	Gems      []uint8 `json:"gems"`
}

func (j settleItemJSON) item() (vault.SettleItem, error) {
	it := vault.SettleItem{BetID: j.BetID, Stake: j.Stake, Payout: j.Payout, GameID: j.GameID}
	if j.UserVault != "" {
		pk, err := solana.PublicKeyFromBase58(j.UserVault)
		if err != nil {
			return it, fmt.Errorf("userVault: %w", err)
		}
		it.UserVault = pk
	}
	if len(j.Gems) > 0 && len(j.Gems) != vault.GemDataLen {
		return it, vault.ErrBadGemData
	}
	copy(it.Gems[:], j.Gems)
	return it, nil
}

type encodeOptions struct {
	encoding  string
	authority string
}

func newEncodeCommand(root *RootOptions) *cobra.Command {
	eo := &encodeOptions{}
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode vault program instructions",
	}
	cmd.PersistentFlags().StringVar(&eo.encoding, "encoding", "hex", "data encoding (hex|base64)")
	cmd.PersistentFlags().StringVar(&eo.authority, "authority", "", "settlement authority; when set, account metas are included")

	cmd.AddCommand(newEncodeBetAndSettle(root, eo))
	cmd.AddCommand(newEncodeBatchSettle(root, eo))
	cmd.AddCommand(newEncodeAmount(root, eo, vault.IxDeposit))
	cmd.AddCommand(newEncodeAmount(root, eo, vault.IxWithdraw))
	return cmd
}

func newEncodeBetAndSettle(root *RootOptions, eo *encodeOptions) *cobra.Command {
	var (
		in   settleItemJSON
		gems string
	)
	cmd := &cobra.Command{
		Use:   "bet-and-settle",
		Short: "Encode a single bet_and_settle instruction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := parseGems(gems)
			if err != nil {
				return err
			}
			in.Gems = g
			it, err := in.item()
			if err != nil {
				return err
			}
			out := EncodedInstruction{Instruction: vault.IxBetAndSettle}
			data := vault.EncodeBetAndSettle(it)
			if eo.authority != "" {
				p, err := program(root, eo.authority)
				if err != nil {
					return err
				}
				out.Program, out.Accounts = p.ID.String(), accounts(p.BetAndSettle(it))
			}
			return emit(root, cmd.OutOrStdout(), eo, out, data)
		},
	}
	cmd.Flags().StringVar(&in.BetID, "bet-id", "", "bet id (settlement row id)")
	cmd.Flags().StringVar(&in.UserVault, "vault", "", "user vault address")
	cmd.Flags().Uint64Var(&in.Stake, "stake", 0, "stake in lamports")
	cmd.Flags().Uint64Var(&in.Payout, "payout", 0, "payout in lamports")
	cmd.Flags().Uint64Var(&in.GameID, "game-id", 0, "numeric game id")
	cmd.Flags().StringVar(&gems, "gems", "0,0,0,0,0,0,0", "gem counts per rarity (7 comma-separated values)")
	_ = cmd.MarkFlagRequired("bet-id")
	return cmd
}

func newEncodeBatchSettle(root *RootOptions, eo *encodeOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "batch-settle",
		Short: "Encode a batch_settle instruction from a JSON array of items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var raw []settleItemJSON
			if err := json.NewDecoder(r).Decode(&raw); err != nil {
				return fmt.Errorf("decode items: %w", err)
			}
			items := make([]vault.SettleItem, 0, len(raw))
			for i, j := range raw {
				it, err := j.item()
				if err != nil {
					return fmt.Errorf("item %d: %w", i, err)
				}
				items = append(items, it)
			}
			data, err := vault.EncodeBatchSettle(items)
			if err != nil {
				return err
			}
			out := EncodedInstruction{Instruction: vault.IxBatchSettle}
			if eo.authority != "" {
				p, err := program(root, eo.authority)
				if err != nil {
					return err
				}
				ix, err := p.BatchSettle(items)
				if err != nil {
					return err
				}
				out.Program, out.Accounts = p.ID.String(), accounts(ix)
			}
			return emit(root, cmd.OutOrStdout(), eo, out, data)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON file with the items (- for stdin)")
	return cmd
}

// newEncodeAmount cobre deposit e withdraw; as contas exigem --owner
func newEncodeAmount(root *RootOptions, eo *encodeOptions, name string) *cobra.Command {
	var (
		amount uint64
		owner  string
	)
	cmd := &cobra.Command{
		Use:   name,
		Short: "Encode a " + name + " instruction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data := vault.EncodeDeposit(amount)
			if name == vault.IxWithdraw {
				data = vault.EncodeWithdraw(amount)
			}
			out := EncodedInstruction{Instruction: name}
			if owner != "" {
				p, err := program(root, "")
				if err != nil {
					return err
				}
				ownerPK, err := solana.PublicKeyFromBase58(owner)
				if err != nil {
					return fmt.Errorf("owner: %w", err)
				}
				build := p.Deposit
				if name == vault.IxWithdraw {
					build = p.Withdraw
				}
				ix, err := build(ownerPK, amount)
				if err != nil {
					return err
				}
				out.Program, out.Accounts = p.ID.String(), accounts(ix)
			}
			return emit(root, cmd.OutOrStdout(), eo, out, data)
		},
	}
	cmd.Flags().Uint64Var(&amount, "amount", 0, "amount in lamports")
	cmd.Flags().StringVar(&owner, "owner", "", "vault owner; when set, account metas are included")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newDecodeCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decode <hex|base64>",
		Short: "Decode vault instruction data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := decodeData(args[0])
			if err != nil {
				return err
			}
			name, decoded, err := vault.Decode(data)
			if err != nil {
				return err
			}
			out := map[string]any{"instruction": name, "args": decoded}
			return newPrinter(root, cmd.OutOrStdout()).print(out, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s %+v\n", name, decoded)
				return err
			})
		},
	}
}

func newPDACommand(root *RootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "pda",
		Short: "Derive the house vault, pause config and (optionally) a user vault address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := program(root, "")
			if err != nil {
				return err
			}
			out := map[string]string{
				"program":     p.ID.String(),
				"houseVault":  p.HouseVault.String(),
				"pauseConfig": p.PauseConfig.String(),
			}
			if owner != "" {
				ownerPK, err := solana.PublicKeyFromBase58(owner)
				if err != nil {
					return fmt.Errorf("owner: %w", err)
				}
				uv, err := vault.DeriveUserVault(p.ID, ownerPK)
				if err != nil {
					return err
				}
				out["userVault"] = uv.String()
			}
			return newPrinter(root, cmd.OutOrStdout()).print(out, func(w io.Writer) error {
				rows := [][]string{{"program", out["program"]}, {"houseVault", out["houseVault"]}, {"pauseConfig", out["pauseConfig"]}}
				if uv, ok := out["userVault"]; ok {
					rows = append(rows, []string{"userVault", uv})
				}
				return table(w, []string{"ACCOUNT", "ADDRESS"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "wallet owning the user vault")
	return cmd
}

func program(root *RootOptions, authority string) (*vault.Program, error) {
	id := root.Program
	if id == "" {
		id = vault.DefaultProgramID
	}
	programID, err := solana.PublicKeyFromBase58(id)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	auth := solana.PublicKey{}
	if authority != "" {
		if auth, err = solana.PublicKeyFromBase58(authority); err != nil {
			return nil, fmt.Errorf("authority: %w", err)
		}
	}
	return vault.NewProgram(programID, auth)
}

func accounts(ix *solana.GenericInstruction) []AccountView {
	metas := ix.Accounts()
	out := make([]AccountView, 0, len(metas))
	for _, m := range metas {
		out = append(out, AccountView{Pubkey: m.PublicKey.String(), Writable: m.IsWritable, Signer: m.IsSigner})
	}
	return out
}

func emit(root *RootOptions, w io.Writer, eo *encodeOptions, out EncodedInstruction, data []byte) error {
	switch eo.encoding {
	case "hex":
		out.Data = hex.EncodeToString(data)
	case "base64":
		out.Data = base64.StdEncoding.EncodeToString(data)
	default:
		return fmt.Errorf("invalid encoding %q: must be hex or base64", eo.encoding)
	}
	out.Encoding = eo.encoding
	return newPrinter(root, w).print(out, func(w io.Writer) error {
		_, err := fmt.Fprintln(w, out.Data)
		return err
	})
}

// decodeData aceita hex (com ou sem 0x) ou base64
func decodeData(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(strings.TrimPrefix(s, "0x")); err == nil {
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("data is neither hex nor base64")
	}
	return b, nil
}

func parseGems(s string) ([]uint8, error) {
	parts := strings.Split(s, ",")
	if len(parts) != vault.GemDataLen {
		return nil, vault.ErrBadGemData
	}
	out := make([]uint8, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("gems[%d]: %w", i, err)
		}
		out[i] = uint8(n)
	}
	return out, nil
}
