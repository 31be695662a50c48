package app

import "fmt"

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はバックグラウンド同期とクリーンアップのワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// Usage はサブコマンドの一覧。
const Usage = "usage: trainsync [serve|worker|migrate|healthcheck]"

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。未知のサブコマンドはエラーにする。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}

	switch cmd := Command(args[0]); cmd {
	case CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck:
		return cmd, nil
	default:
		return "", fmt.Errorf("unknown command %q\n%s", args[0], Usage)
	}
}
