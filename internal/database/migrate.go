package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var schemaFS embed.FS

// ErrDirtySchema は前回のマイグレーションが途中で失敗し、手動修復が必要な状態を表す。
var ErrDirtySchema = errors.New("スキーマがdirty状態です")

// NewMigrator は埋め込みスキーマを読み込んだmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	src, err := iofs.New(schemaFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("マイグレーションソースの読み込みに失敗しました: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("マイグレーターの生成に失敗しました: %w", err)
	}
	return m, nil
}

// RunMigrations は未適用のマイグレーションを適用し、適用後のスキーマバージョンを返す。
// dirty状態のスキーマには何も適用せずErrDirtySchemaを返す。
func RunMigrations(databaseURL string) (uint, error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	if v, dirty, err := m.Version(); err == nil && dirty {
		return v, fmt.Errorf("バージョン %d: %w", v, ErrDirtySchema)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("マイグレーションの適用に失敗しました: %w", err)
	}

	v, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("スキーマバージョンの取得に失敗しました: %w", err)
	}
	return v, nil
}
