package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const driveFolderMIME = "application/vnd.google-apps.folder"

// Publisher makes a finished job file available outside the host.
type Publisher interface {
	Publish(ctx context.Context, jobID, localPath string) (string, error)
}

// DriveService uploads finished videos into a per-job folder on Google Drive.
type DriveService struct {
	conf         *oauth2.Config
	refreshToken string
	folderID     string
}

var _ Publisher = (*DriveService)(nil)

// NewDriveService authenticates with a long-lived refresh token; folderID
// is the parent under which job folders are created.
func NewDriveService(clientID, clientSecret, refreshToken, folderID string) *DriveService {
	return &DriveService{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{drive.DriveFileScope},
		},
		refreshToken: refreshToken,
		folderID:     folderID,
	}
}

func (s *DriveService) service(ctx context.Context) (*drive.Service, error) {
	token := &oauth2.Token{
		RefreshToken: s.refreshToken,
		Expiry:       time.Now().Add(-time.Hour), // force refresh
	}
	client := s.conf.Client(ctx, token)
	svc, err := drive.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("drive service: %w", err)
	}
	return svc, nil
}

// Publish uploads localPath into a folder named after the job and returns
// the file's web link.
func (s *DriveService) Publish(ctx context.Context, jobID, localPath string) (string, error) {
	svc, err := s.service(ctx)
	if err != nil {
		return "", err
	}

	folder, err := svc.Files.Create(&drive.File{
		Name:     jobID,
		MimeType: driveFolderMIME,
		Parents:  s.parents(),
	}).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("drive create folder: %w", err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	fi, _ := f.Stat()
	if fi != nil {
		log.Printf("[Drive] Uploading %s (%.1f MB)", filepath.Base(localPath), float64(fi.Size())/1024/1024)
	}

	file, err := svc.Files.Create(&drive.File{
		Name:    filepath.Base(localPath),
		Parents: []string{folder.Id},
	}).Media(f).Fields("id", "webViewLink").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("drive upload: %w", err)
	}

	link := file.WebViewLink
	if link == "" {
		link = fmt.Sprintf("https://drive.google.com/file/d/%s/view", file.Id)
	}
	log.Printf("[Drive] Uploaded %s as %s", filepath.Base(localPath), file.Id)
	return link, nil
}

func (s *DriveService) parents() []string {
	if s.folderID == "" {
		return nil
	}
	return []string{s.folderID}
}
