package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opRememberAccount = "cache.remember_account"
	opLoadAccount     = "cache.load_account"
)

// Account is the signed-in user last seen on a server.
type Account struct {
	Name        string
	Username    string
	DisplayName string
	Email       string
	AvatarURL   string
	LastSeenAt  time.Time
}

type accountRow struct {
	Server      string    `gorm:"column:server;primaryKey;size:255;not null"`
	Name        string    `gorm:"column:user_name;size:190;not null"`
	Username    string    `gorm:"column:username;size:190"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	Email       string    `gorm:"column:user_email;size:320"`
	AvatarURL   string    `gorm:"column:user_avatar_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (accountRow) TableName() string {
	return "server_accounts"
}

// RememberAccount records the account behind the current token for server.
func (s *Snapshots) RememberAccount(ctx context.Context, server string, account Account) error {
	if server == "" {
		return newCacheError(opRememberAccount, "missing_server", errMissingServer)
	}
	account.Name = normalize(account.Name)
	if account.Name == "" {
		return newCacheError(opRememberAccount, "missing_name", errMissingAccountName)
	}
	if account.LastSeenAt.IsZero() {
		account.LastSeenAt = s.clock().UTC()
	}

	row := accountRow{
		Server:      server,
		Name:        account.Name,
		Username:    normalize(account.Username),
		DisplayName: normalize(account.DisplayName),
		Email:       normalize(account.Email),
		AvatarURL:   normalize(account.AvatarURL),
		LastSeenAt:  account.LastSeenAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "server"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_name", "username", "user_display_name", "user_email", "user_avatar_url", "last_seen_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return s.logError(opRememberAccount, "write_failed", err)
	}
	s.accounts.Store(server, rowToAccount(row))
	return nil
}

// Account returns the account last remembered for server.
func (s *Snapshots) Account(ctx context.Context, server string) (Account, bool, error) {
	if cached, ok := s.accounts.Load(server); ok {
		if account, ok := cached.(Account); ok {
			return account, true, nil
		}
	}

	var row accountRow
	err := s.db.WithContext(ctx).Where("server = ?", server).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, false, nil
	}
	if err != nil {
		return Account{}, false, s.logError(opLoadAccount, "query_failed", err)
	}
	account := rowToAccount(row)
	s.accounts.Store(server, account)
	return account, true, nil
}

func rowToAccount(row accountRow) Account {
	return Account{
		Name:        row.Name,
		Username:    row.Username,
		DisplayName: row.DisplayName,
		Email:       row.Email,
		AvatarURL:   row.AvatarURL,
		LastSeenAt:  row.LastSeenAt.UTC(),
	}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
