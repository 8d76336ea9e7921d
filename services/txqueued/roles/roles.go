// Package roles maps account role tags, such as the gas gifter, to the address
// currently holding them.
package roles

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"txqueue/services/txqueued/chain"
	"txqueue/services/txqueued/models"
	"txqueue/services/txqueued/txerr"
)

// Registry persists account roles.
type Registry struct {
	db *gorm.DB
}

// New constructs a Registry.
func New(db *gorm.DB) *Registry { return &Registry{db: db} }

func normaliseTag(tag string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(tag))
	if t == "" {
		return "", fmt.Errorf("roles: tag required")
	}
	return t, nil
}

// Set assigns tag to address, replacing any previous holder.
func (r *Registry) Set(ctx context.Context, tag string, address common.Address) error {
	t, err := normaliseTag(tag)
	if err != nil {
		return err
	}
	row := models.AccountRole{Tag: t, AddressHex: chain.AddressKey(address)}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tag"}},
		DoUpdates: clause.AssignmentColumns([]string{"address_hex"}),
	}).Create(&row).Error
}

// Get resolves the address holding tag. A missing role fails with
// txerr.ErrRoleMissing.
func (r *Registry) Get(ctx context.Context, tag string) (common.Address, error) {
	t, err := normaliseTag(tag)
	if err != nil {
		return common.Address{}, err
	}
	var row models.AccountRole
	err = r.db.WithContext(ctx).First(&row, "tag = ?", t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return common.Address{}, fmt.Errorf("%w: %s", txerr.ErrRoleMissing, t)
	}
	if err != nil {
		return common.Address{}, fmt.Errorf("roles: get %s: %w", t, err)
	}
	return common.HexToAddress(row.AddressHex), nil
}

// All returns every role assignment keyed by tag.
func (r *Registry) All(ctx context.Context) (map[string]common.Address, error) {
	var rows []models.AccountRole
	if err := r.db.WithContext(ctx).Order("tag asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("roles: list: %w", err)
	}
	out := make(map[string]common.Address, len(rows))
	for _, row := range rows {
		out[row.Tag] = common.HexToAddress(row.AddressHex)
	}
	return out, nil
}

// Delete removes tag. Deleting an unassigned tag is a no-op.
func (r *Registry) Delete(ctx context.Context, tag string) error {
	t, err := normaliseTag(tag)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Where("tag = ?", t).Delete(&models.AccountRole{}).Error; err != nil {
		return fmt.Errorf("roles: delete %s: %w", t, err)
	}
	return nil
}
