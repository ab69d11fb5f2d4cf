package vault

import (
	"crypto/sha256"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Seeds dos PDAs do programa
var (
	seedVault       = []byte("vault")
	seedHouseVault  = []byte("house_vault")
	seedPauseConfig = []byte("pause_config")
)

// DefaultProgramID é o deployment do vault na devnet
const DefaultProgramID = "3hYE1Bv7ZtUUJLMjzFjq13j2AKd63TzrdvduzUBRjbCg"

const (
	// UserVaultSize: 8 discriminator + 32 owner + 1 bump + 8 locked + 4 active_games + 8 accum_wager + 1 version
	UserVaultSize = 62
	// RentExemptVaultLamports é o mínimo rent-exempt para UserVaultSize, presente em todo vault inicializado
	RentExemptVaultLamports int64 = 1_322_400

	pauseConfigSize = 8 + 32 + 32 + 1 + 8 + 1 + 1 + 1
)

func DeriveUserVault(programID, owner solana.PublicKey) (solana.PublicKey, error) {
	pk, _, err := solana.FindProgramAddress([][]byte{seedVault, owner.Bytes()}, programID)
	return pk, err
}

func DeriveHouseVault(programID solana.PublicKey) (solana.PublicKey, error) {
	pk, _, err := solana.FindProgramAddress([][]byte{seedHouseVault}, programID)
	return pk, err
}

func DerivePauseConfig(programID solana.PublicKey) (solana.PublicKey, error) {
	pk, _, err := solana.FindProgramAddress([][]byte{seedPauseConfig}, programID)
	return pk, err
}

// AccountDiscriminator = sha256("account:<Name>")[:8]
func AccountDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// UserVault é o estado on-chain do vault de um usuário
type UserVault struct {
	Owner        solana.PublicKey
	Bump         uint8
	LockedAmount uint64
	ActiveGames  uint32
	AccumWager   uint64
	Version      uint8
}

func DecodeUserVault(data []byte) (UserVault, error) {
	var v UserVault
	d, err := accountDecoder(data, "UserVault")
	if err != nil {
		return v, err
	}
	owner, err := d.raw(32, "owner")
	if err != nil {
		return v, err
	}
	v.Owner = solana.PublicKeyFromBytes(owner)
	if v.Bump, err = d.u8("bump"); err != nil {
		return v, err
	}
	if v.LockedAmount, err = d.u64("locked_amount"); err != nil {
		return v, err
	}
	if v.ActiveGames, err = d.u32("active_games"); err != nil {
		return v, err
	}
	if v.AccumWager, err = d.u64("accum_wager"); err != nil {
		return v, err
	}
	v.Version, err = d.u8("version")
	return v, err
}

// PauseConfig controla as pausas de manutenção (com expiração) e de emergência
type PauseConfig struct {
	MultisigAuthority        solana.PublicKey
	AdminAuthority           solana.PublicKey
	MaintenancePause         bool
	MaintenanceStartTime     int64
	MaintenanceDurationHours uint8
	EmergencyPause           bool
	Bump                     uint8
}

// Active reproduz a checagem do programa: manutenção expira após a duração configurada
func (p PauseConfig) Active(nowUnix int64) (maintenance, emergency bool) {
	maintenance = p.MaintenancePause
	if maintenance {
		elapsedHours := (nowUnix - p.MaintenanceStartTime) / 3600
		if elapsedHours >= int64(p.MaintenanceDurationHours) {
			maintenance = false
		}
	}
	return maintenance, p.EmergencyPause
}

func DecodePauseConfig(data []byte) (PauseConfig, error) {
	var p PauseConfig
	if len(data) < pauseConfigSize {
		return p, fmt.Errorf("%w: pause config has %d bytes", ErrShortBuffer, len(data))
	}
	d, err := accountDecoder(data, "PauseConfig")
	if err != nil {
		return p, err
	}
	ms, _ := d.raw(32, "multisig_authority")
	ad, _ := d.raw(32, "admin_authority")
	p.MultisigAuthority = solana.PublicKeyFromBytes(ms)
	p.AdminAuthority = solana.PublicKeyFromBytes(ad)
	mp, _ := d.u8("maintenance_pause")
	p.MaintenancePause = mp != 0
	p.MaintenanceStartTime, _ = d.i64("maintenance_start_time")
	p.MaintenanceDurationHours, _ = d.u8("maintenance_duration_hours")
	ep, _ := d.u8("emergency_pause")
	p.EmergencyPause = ep != 0
	p.Bump, _ = d.u8("bump")
	return p, nil
}

func accountDecoder(data []byte, name string) (*decoder, error) {
	d := &decoder{buf: data}
	disc, err := d.raw(8, "discriminator")
	if err != nil {
		return nil, err
	}
	want := AccountDiscriminator(name)
	if string(disc) != string(want[:]) {
		return nil, fmt.Errorf("vault: account is not %s", name)
	}
	return d, nil
}
