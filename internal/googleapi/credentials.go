package googleapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/docs/v1"
	"google.golang.org/api/drive/v3"
)

// Scopes はレッスン管理で利用するGoogle APIのスコープ。
var Scopes = []string{
	calendar.CalendarScope,
	drive.DriveScope,
	docs.DocumentsScope,
}

// CredentialsConfig はGoogle APIの認証設定。
type CredentialsConfig struct {
	// CredentialsFile はサービスアカウントキー（JSON）のパス。空の場合はADCを使用する。
	CredentialsFile string
	// Subject はドメイン全体の委任で代理実行するユーザーのメールアドレス。
	Subject string
}

// NewTokenSource はGoogle APIのアクセストークンを供給するTokenSourceを生成する。
// 返されるTokenSourceは有効期限が切れる前にトークンを自動で再取得する。
// base はトークンエンドポイントへの接続に使用する（nilの場合は http.DefaultClient）。
func NewTokenSource(ctx context.Context, cfg CredentialsConfig, base *http.Client) (oauth2.TokenSource, error) {
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	params := google.CredentialsParams{Scopes: Scopes, Subject: cfg.Subject}

	var (
		creds *google.Credentials
		err   error
	)
	if cfg.CredentialsFile != "" {
		data, readErr := os.ReadFile(cfg.CredentialsFile)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read google credentials file: %w", readErr)
		}
		creds, err = google.CredentialsFromJSONWithParams(ctx, data, params)
	} else {
		creds, err = google.FindDefaultCredentialsWithParams(ctx, params)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load google credentials: %w", err)
	}
	if creds.TokenSource == nil {
		return nil, errors.New("google credentials have no token source")
	}
	return creds.TokenSource, nil
}
