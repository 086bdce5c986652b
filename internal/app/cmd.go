package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	// SYNC_ENABLEDがtrueの場合は同期スケジューラも同じプロセスで起動する。
	CommandServe Command = "serve"
	// CommandWorker は同期スケジューラのみを起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// MigrateAction はmigrateサブコマンドの操作を表す。
type MigrateAction string

const (
	// MigrateUp は未適用のマイグレーションをすべて適用する。
	MigrateUp MigrateAction = "up"
	// MigrateDown は直近のマイグレーションを1つ取り消す。
	MigrateDown MigrateAction = "down"
	// MigrateVersion は適用済みのバージョンを表示する。
	MigrateVersion MigrateAction = "version"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// ParseMigrateAction はmigrateサブコマンドに続く引数から操作を解析する。
// 引数がない場合はMigrateUpを返し、未知の操作の場合はokにfalseを返す。
func ParseMigrateAction(args []string) (MigrateAction, bool) {
	if len(args) < 2 {
		return MigrateUp, true
	}
	switch MigrateAction(args[1]) {
	case MigrateUp, MigrateDown, MigrateVersion:
		return MigrateAction(args[1]), true
	default:
		return "", false
	}
}
