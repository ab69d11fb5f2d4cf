package vault

import (
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testProgramID = solana.MustPublicKeyFromBase58("3hYE1Bv7ZtUUJLMjzFjq13j2AKd63TzrdvduzUBRjbCg")
	testAuthority = solana.MustPublicKeyFromBase58("4y1oXmheqD5VNScoNwLH17WQQExXSxBasH6TTwCb4iN5")
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestDiscriminators(t *testing.T) {
	cases := map[string]string{
		IxBetAndSettle: "02f96e66ddbd893a",
		IxBatchSettle:  "b0a02c5444d3c9da",
		IxDeposit:      "f223c68952e1f2b6",
		IxWithdraw:     "b712469c946da122",
	}
	for name, want := range cases {
		d := Discriminator(name)
		assert.Equal(t, want, hex.EncodeToString(d[:]), name)
	}
	d := AccountDiscriminator("UserVault")
	assert.Equal(t, "174c609fd20a0516", hex.EncodeToString(d[:]))
}

func TestEncodeBetAndSettle_ByteLayout(t *testing.T) {
	data := EncodeBetAndSettle(SettleItem{
		BetID:  "ab",
		Stake:  1,
		Payout: 0x0102,
		GameID: 7,
		Gems:   [7]uint8{1, 2, 3, 4, 5, 6, 7},
	})

	want := mustHex(t, ""+
		"02f96e66ddbd893a"+ // discriminator
		"0100000000000000"+ // stake
		"0201000000000000"+ // payout
		"02000000"+"6162"+ // bet_id
		"0700000000000000"+ // game_id
		"07000000"+"01020304050607") // gem_data
	assert.Equal(t, want, data)
}

func TestEncodeBatchSettle_ByteLayout(t *testing.T) {
	data, err := EncodeBatchSettle([]SettleItem{
		{BetID: "a", Stake: 5, Payout: 0, GameID: 1, Gems: [7]uint8{1}},
		{BetID: "b", Stake: 0, Payout: 9, GameID: 2},
	})
	require.NoError(t, err)

	want := mustHex(t, ""+
		"b0a02c5444d3c9da"+
		"02000000"+"0500000000000000"+"0000000000000000"+ // stakes
		"02000000"+"0000000000000000"+"0900000000000000"+ // payouts
		"02000000"+"01000000"+"61"+"01000000"+"62"+ // bet_ids
		"02000000"+"0100000000000000"+"0200000000000000"+ // game_ids
		"02000000"+"07000000"+"01000000000000"+"07000000"+"00000000000000") // gem_datas
	assert.Equal(t, want, data)
}

func TestEncodeBatchSettle_Limits(t *testing.T) {
	_, err := EncodeBatchSettle(nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	items := make([]SettleItem, MaxBatchSize+1)
	_, err = EncodeBatchSettle(items)
	assert.ErrorIs(t, err, ErrBatchTooLarge)

	_, err = EncodeBatchSettle(items[:MaxBatchSize])
	assert.NoError(t, err)
}

func TestBatchSettle_RoundTrip(t *testing.T) {
	for k := 1; k <= MaxBatchSize; k++ {
		items := make([]SettleItem, k)
		for i := range items {
			items[i] = SettleItem{
				BetID:  fmt.Sprintf("bet-%d-%d", k, i),
				Stake:  uint64(i * 1000),
				Payout: uint64(k*7 + i),
				GameID: uint64(1)<<63 + uint64(i),
				Gems:   [7]uint8{uint8(i), 0, 0, 0, 0, 0, uint8(k)},
			}
		}
		data, err := EncodeBatchSettle(items)
		require.NoError(t, err)

		name, decoded, err := Decode(data)
		require.NoError(t, err)
		require.Equal(t, IxBatchSettle, name)
		args := decoded.(BatchSettleArgs)
		require.Len(t, args.Stakes, k)
		for i, it := range items {
			assert.Equal(t, it.Stake, args.Stakes[i])
			assert.Equal(t, it.Payout, args.Payouts[i])
			assert.Equal(t, it.BetID, args.BetIDs[i])
			assert.Equal(t, it.GameID, args.GameIDs[i])
			assert.Equal(t, it.Gems[:], args.GemDatas[i])
		}
	}
}

func TestBetAndSettle_RoundTrip(t *testing.T) {
	it := SettleItem{BetID: "550e8400-e29b-41d4-a716-446655440000", Stake: 123456789, Payout: 987654321, GameID: 42, Gems: [7]uint8{0, 0, 3}}
	args, err := DecodeBetAndSettle(EncodeBetAndSettle(it))
	require.NoError(t, err)
	assert.Equal(t, BetAndSettleArgs{Stake: it.Stake, Payout: it.Payout, BetID: it.BetID, GameID: 42, GemData: it.Gems[:]}, args)
}

func TestDecode_Errors(t *testing.T) {
	_, _, err := Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortBuffer)

	_, _, err = Decode(make([]byte, 16))
	assert.ErrorIs(t, err, ErrUnknownIx)

	data := EncodeBetAndSettle(SettleItem{BetID: "x"})
	_, err = DecodeBetAndSettle(data[:len(data)-1])
	assert.ErrorIs(t, err, ErrShortBuffer)

	_, err = DecodeBetAndSettle(append(data, 0))
	assert.Error(t, err)

	name, args, err := Decode(EncodeWithdraw(500))
	require.NoError(t, err)
	assert.Equal(t, IxWithdraw, name)
	assert.Equal(t, AmountArgs{Amount: 500}, args)
}

func TestProgram_Accounts(t *testing.T) {
	p, err := NewProgram(testProgramID, testAuthority)
	require.NoError(t, err)

	house, err := DeriveHouseVault(testProgramID)
	require.NoError(t, err)
	assert.Equal(t, house, p.HouseVault)

	owner := solana.MustPublicKeyFromBase58("9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM")
	userVault, err := DeriveUserVault(testProgramID, owner)
	require.NoError(t, err)

	single := p.BetAndSettle(SettleItem{BetID: "b", UserVault: userVault})
	require.Len(t, single.AccountValues, 4)
	assert.Equal(t, userVault, single.AccountValues[0].PublicKey)
	assert.True(t, single.AccountValues[0].IsWritable)
	assert.True(t, single.AccountValues[2].IsSigner)
	assert.Equal(t, p.PauseConfig, single.AccountValues[3].PublicKey)
	assert.False(t, single.AccountValues[3].IsWritable)

	other := solana.MustPublicKeyFromBase58("11111111111111111111111111111112")
	batch, err := p.Settle([]SettleItem{{BetID: "a", UserVault: userVault}, {BetID: "b", UserVault: other}})
	require.NoError(t, err)
	require.Len(t, batch.AccountValues, 5)
	assert.Equal(t, house, batch.AccountValues[0].PublicKey)
	assert.Equal(t, userVault, batch.AccountValues[3].PublicKey)
	assert.Equal(t, other, batch.AccountValues[4].PublicKey)
	assert.True(t, batch.AccountValues[4].IsWritable)

	data, err := batch.Data()
	require.NoError(t, err)
	name, _, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, IxBatchSettle, name)
}

func TestDecodeUserVault(t *testing.T) {
	owner := solana.MustPublicKeyFromBase58("9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM")
	e := &encoder{}
	d := AccountDiscriminator("UserVault")
	e.raw(d[:])
	e.raw(owner.Bytes())
	e.u8(254)
	e.u64(10)
	e.u32(2)
	e.u64(5_000_000_000)
	e.u8(2)
	require.Len(t, e.buf, UserVaultSize)

	v, err := DecodeUserVault(e.buf)
	require.NoError(t, err)
	assert.Equal(t, UserVault{Owner: owner, Bump: 254, LockedAmount: 10, ActiveGames: 2, AccumWager: 5_000_000_000, Version: 2}, v)

	_, err = DecodePauseConfig(e.buf)
	assert.Error(t, err)
}

func TestPauseConfig_Active(t *testing.T) {
	p := PauseConfig{MaintenancePause: true, MaintenanceStartTime: 1000, MaintenanceDurationHours: 2}
	m, em := p.Active(1000 + 3600)
	assert.True(t, m)
	assert.False(t, em)

	m, _ = p.Active(1000 + 2*3600)
	assert.False(t, m)

	_, em = PauseConfig{EmergencyPause: true}.Active(0)
	assert.True(t, em)
}

func TestParseProgramError(t *testing.T) {
	pe, ok := ParseProgramError(errors.New(`transaction failed: {"InstructionError":[0,{"Custom":6009}]}`))
	require.True(t, ok)
	assert.Equal(t, "MaintenancePaused", pe.Name)
	assert.True(t, pe.Systemic())

	pe, ok = ParseProgramError(errors.New("Program failed: custom program error: 0x177a"))
	require.True(t, ok)
	assert.Equal(t, ErrCodeEmergencyPaused, pe.Code)

	pe, ok = ParseProgramError(fmt.Errorf("status: %v", map[string]any{"InstructionError": []any{0, map[string]any{"Custom": 6002}}}))
	require.True(t, ok)
	assert.Equal(t, ErrCodeInsufficientFunds, pe.Code)
	assert.False(t, IsSystemic(pe))

	_, ok = ParseProgramError(errors.New("blockhash not found"))
	assert.False(t, ok)
}
