package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"secure-msg-backend/internal/model"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetSyncService 将 Master Key List 快照写入 Google Sheet. 每个 hub 占用 A 列为其租户ID的行
type SheetSyncService struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	log           zerolog.Logger
}

var sheetHeader = []interface{}{"Tenant", "Key", "Status", "Tier", "Origin", "Username", "Account", "Expires", "Exported"}

func NewSheetSyncService(ctx context.Context, enableSync bool, credentialPath, spreadsheetID, sheetName string, log zerolog.Logger) (*SheetSyncService, error) {
	if !enableSync {
		return nil, nil
	}

	// 读取凭证文件
	b, err := os.ReadFile(credentialPath)
	if err != nil {
		return nil, err
	}

	// 使用服务账号授权
	creds, err := google.CredentialsFromJSON(ctx, b, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("load sheets credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, err
	}

	return &SheetSyncService{
		service:       srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		log:           log,
	}, nil
}

// PushSnapshot 用本次导出替换该租户在表格中的全部行, 其他租户的行保持不变
func (s *SheetSyncService) PushSnapshot(ctx context.Context, tenantID string, entries []model.MasterKeyEntry) error {
	if s == nil {
		return nil
	}

	// 先检查工作表是否存在
	spreadsheet, err := s.service.Spreadsheets.Get(s.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("get spreadsheet: %w", err)
	}
	sheetExists := false
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == s.sheetName {
			sheetExists = true
			break
		}
	}
	if !sheetExists {
		return fmt.Errorf("sheet %q does not exist", s.sheetName)
	}

	readRange := fmt.Sprintf("'%s'!A2:I", s.sheetName)
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("read sheet: %w", err)
	}

	rows := mergeSnapshotRows(resp.Values, tenantID, entries)

	if _, err := s.service.Spreadsheets.Values.Clear(s.spreadsheetID, readRange, &sheets.ClearValuesRequest{}).
		Context(ctx).Do(); err != nil {
		return fmt.Errorf("clear sheet: %w", err)
	}
	values := append([][]interface{}{sheetHeader}, rows...)
	_, err = s.service.Spreadsheets.Values.Update(
		s.spreadsheetID,
		fmt.Sprintf("'%s'!A1:I%d", s.sheetName, len(values)),
		&sheets.ValueRange{Values: values},
	).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("write sheet: %w", err)
	}

	s.log.Info().Str("tenant", tenantID).Int("rows", len(entries)).Msg("master key list pushed to sheet")
	return nil
}

// mergeSnapshotRows 保留其他租户的行, 追加本租户的新快照
func mergeSnapshotRows(existing [][]interface{}, tenantID string, entries []model.MasterKeyEntry) [][]interface{} {
	rows := make([][]interface{}, 0, len(existing)+len(entries))
	for _, row := range existing {
		if len(row) > 0 && fmt.Sprint(row[0]) == tenantID {
			continue
		}
		rows = append(rows, row)
	}
	for _, e := range entries {
		expires := "lifetime"
		if e.ExpiresAt != nil {
			expires = e.ExpiresAt.Format(time.RFC3339)
		}
		rows = append(rows, []interface{}{
			tenantID,
			e.KeyCode,
			string(e.Status),
			e.Tier,
			string(e.Origin),
			e.Username,
			e.AccountID,
			expires,
			e.ExportedAt.Format(time.RFC3339),
		})
	}
	return rows
}
