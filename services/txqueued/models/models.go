package models

import (
	"time"

	"gorm.io/gorm"

	"txqueue/services/txqueued/status"
)

// Account role tags.
const (
	RoleGasGifter = "GAS_GIFTER"
)

// Otx is the local record of an outgoing transaction.
type Otx struct {
	ID          uint      `gorm:"primaryKey"`
	DateCreated time.Time `gorm:"not null"`
	DateUpdated time.Time `gorm:"not null"`
	ChainID     string    `gorm:"not null;index:idx_otx_sender_nonce,priority:1"`
	Sender      string    `gorm:"not null;index:idx_otx_sender_nonce,priority:2"`
	Nonce       uint64    `gorm:"not null;index:idx_otx_sender_nonce,priority:3"`
	Recipient   string    `gorm:"index"`
	TxHash      string    `gorm:"uniqueIndex;not null"`
	SignedTx    string    `gorm:"type:text;not null"`
	GasPrice    string    `gorm:"not null"`
	Status      int       `gorm:"not null;index"`
	Block       *uint64
}

// TableName pins the table name.
func (Otx) TableName() string { return "otx" }

// OtxStateLog records every status value an Otx has held.
type OtxStateLog struct {
	ID     uint      `gorm:"primaryKey"`
	OtxID  uint      `gorm:"not null;index"`
	Otx    *Otx      `gorm:"constraint:OnDelete:RESTRICT"`
	Date   time.Time `gorm:"not null"`
	Status int       `gorm:"not null"`
}

// TableName pins the table name.
func (OtxStateLog) TableName() string { return "otx_state_log" }

// Nonce holds the next nonce to assign for an address.
type Nonce struct {
	ID         uint   `gorm:"primaryKey"`
	AddressHex string `gorm:"uniqueIndex;not null"`
	Nonce      uint64 `gorm:"not null"`
}

// TableName pins the table name.
func (Nonce) TableName() string { return "nonce" }

// NonceTaskReservation binds a reserved nonce to a caller correlation key.
type NonceTaskReservation struct {
	ID          uint      `gorm:"primaryKey"`
	Key         string    `gorm:"uniqueIndex;not null"`
	AddressHex  string    `gorm:"not null;index"`
	Nonce       uint64    `gorm:"not null"`
	DateCreated time.Time `gorm:"not null"`
}

// TableName pins the table name.
func (NonceTaskReservation) TableName() string { return "nonce_task_reservation" }

// Lock stores disabled capability flags for a scope. Empty Address means the
// whole chain, empty TxHash means the whole address.
type Lock struct {
	ID          uint      `gorm:"primaryKey"`
	Blockchain  string    `gorm:"not null;uniqueIndex:idx_lock_scope,priority:1"`
	Address     string    `gorm:"not null;default:'';uniqueIndex:idx_lock_scope,priority:2"`
	TxHash      string    `gorm:"not null;default:'';uniqueIndex:idx_lock_scope,priority:3"`
	OtxID       *uint     `gorm:"index"`
	Flags       uint64    `gorm:"not null"`
	DateCreated time.Time `gorm:"not null"`
}

// TableName pins the table name.
func (Lock) TableName() string { return "lock" }

// AccountRole maps a role tag to the address currently holding it.
type AccountRole struct {
	ID         uint   `gorm:"primaryKey"`
	Tag        string `gorm:"uniqueIndex;not null"`
	AddressHex string `gorm:"not null"`
}

// TableName pins the table name.
func (AccountRole) TableName() string { return "account_role" }

// SyncCursor records the last block processed by the chain follower.
type SyncCursor struct {
	ChainID   string `gorm:"primaryKey"`
	Block     uint64 `gorm:"not null"`
	UpdatedAt time.Time
}

// TableName pins the table name.
func (SyncCursor) TableName() string { return "sync_cursor" }

// ConfirmedNonce records the highest nonce seen mined for an address.
type ConfirmedNonce struct {
	ChainID   string `gorm:"primaryKey"`
	Address   string `gorm:"primaryKey"`
	Nonce     uint64 `gorm:"not null"`
	UpdatedAt time.Time
}

// TableName pins the table name.
func (ConfirmedNonce) TableName() string { return "confirmed_nonce" }

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Otx{},
		&OtxStateLog{},
		&Nonce{},
		&NonceTaskReservation{},
		&Lock{},
		&AccountRole{},
		&SyncCursor{},
		&ConfirmedNonce{},
	)
}

// State decodes the persisted status. Values outside the known set decode as
// status.Fubar so they are treated as terminal.
func (o Otx) State() status.State {
	s, err := status.FromWire(o.Status)
	if err != nil {
		return status.Fubar
	}
	return s
}

// State decodes the logged status.
func (l OtxStateLog) State() status.State {
	s, err := status.FromWire(l.Status)
	if err != nil {
		return status.Fubar
	}
	return s
}
