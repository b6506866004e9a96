// Package document はGoogle Drive / Docs API を使った教材ドキュメントの作成を提供する。
package document

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/docs/v1"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/hitoshi/lessonbook/internal/effects"
	"github.com/hitoshi/lessonbook/internal/googleapi"
)

const (
	driveProvider = "google_drive"
	docsProvider  = "google_docs"
)

// GoogleDocs はテンプレートを複製してレッスンごとの教材ドキュメントを作成する effects.DocumentProvider。
type GoogleDocs struct {
	drive      *drive.Service
	docs       *docs.Service
	templateID string
}

// NewGoogleDocs は新しいGoogleDocsを生成する。
// driveClient / docsClient は googleapi.NewHTTPClient で認証とレート制御を組み込んだものを渡す。
func NewGoogleDocs(ctx context.Context, driveClient, docsClient *http.Client, templateID string, opts ...option.ClientOption) (*GoogleDocs, error) {
	driveSvc, err := drive.NewService(ctx, append([]option.ClientOption{option.WithHTTPClient(driveClient)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	docsSvc, err := docs.NewService(ctx, append([]option.ClientOption{option.WithHTTPClient(docsClient)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docs service: %w", err)
	}
	return &GoogleDocs{drive: driveSvc, docs: docsSvc, templateID: templateID}, nil
}

var _ effects.DocumentProvider = (*GoogleDocs)(nil)

// CreateClassDocument はテンプレートを複製し、レッスン日・生徒名・レベルを含む名前のドキュメントを作成する。
func (g *GoogleDocs) CreateClassDocument(ctx context.Context, req effects.DocumentRequest) (*effects.Document, error) {
	if g.templateID == "" {
		return nil, errors.New("document template is not configured")
	}

	file := &drive.File{Name: Title(req)}
	if req.ParentFolderID != "" {
		file.Parents = []string{req.ParentFolderID}
	}

	copied, err := g.drive.Files.Copy(g.templateID, file).
		SupportsAllDrives(true).
		Fields("id", "webViewLink").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to copy document template: %w", googleapi.Wrap(driveProvider, err))
	}
	if copied.Id == "" {
		return nil, errors.New("document copy response has no id")
	}

	link := copied.WebViewLink
	if link == "" {
		link = "https://docs.google.com/document/d/" + copied.Id + "/edit"
	}
	return &effects.Document{ID: copied.Id, Link: link}, nil
}

// AppendToIndex は教材一覧ドキュメントの末尾に1行追記する。
func (g *GoogleDocs) AppendToIndex(ctx context.Context, indexID string, doc effects.Document, req effects.DocumentRequest) error {
	if indexID == "" {
		return nil
	}
	line := fmt.Sprintf("%s  %s\n", Title(req), doc.Link)
	update := &docs.BatchUpdateDocumentRequest{Requests: []*docs.Request{{
		InsertText: &docs.InsertTextRequest{
			Text:                 line,
			EndOfSegmentLocation: &docs.EndOfSegmentLocation{},
		},
	}}}

	if _, err := g.docs.Documents.BatchUpdate(indexID, update).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to append to document index: %w", googleapi.Wrap(docsProvider, err))
	}
	return nil
}

// Title は教材ドキュメントの名前を返す。
// 例: "2026-03-02 山田花子 (B1)"
func Title(req effects.DocumentRequest) string {
	title := req.ClassDate.Format("2006-01-02") + " " + req.StudentName
	if req.Level != "" {
		title += " (" + req.Level + ")"
	}
	return title
}
