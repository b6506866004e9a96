package app

import (
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Command
	}{
		{name: "引数なしはserve", args: nil, want: CommandServe},
		{name: "serve", args: []string{"serve"}, want: CommandServe},
		{name: "worker", args: []string{"worker"}, want: CommandWorker},
		{name: "migrate", args: []string{"migrate"}, want: CommandMigrate},
		{name: "healthcheck", args: []string{"healthcheck"}, want: CommandHealthcheck},
		{name: "後続の引数は無視する", args: []string{"worker", "--flag", "value"}, want: CommandWorker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand(tt.args)
			if err != nil {
				t.Fatalf("ParseCommand(%v) returned error: %v", tt.args, err)
			}
			if got != tt.want {
				t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestParseCommand_UnknownReturnsError(t *testing.T) {
	_, err := ParseCommand([]string{"migarte"})
	if err == nil {
		t.Fatal("unknown command should return an error")
	}
	// 利用可能なコマンドを案内する
	for _, c := range []string{"serve", "worker", "migrate", "healthcheck"} {
		if !strings.Contains(err.Error(), c) {
			t.Errorf("error %q should list %q", err.Error(), c)
		}
	}
}

func TestRun_UnknownCommand_ReturnsErrorBeforeInit(t *testing.T) {
	// 必須の環境変数がなくてもコマンド解析のエラーが先に返る
	t.Setenv("DATABASE_URL", "")
	t.Setenv("BASE_URL", "")

	err := Run(nil, []string{"unknown"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("Run(unknown) error = %v, want unknown command error", err)
	}
}
