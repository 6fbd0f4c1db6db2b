package services

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"gamepanel/models"
)

// 预签名 URL 有效期：分段上传给节点 24 小时，恢复下载 1 小时
const (
	s3PartURLExpiry     = 24 * time.Hour
	s3DownloadURLExpiry = time.Hour
)

// S3Part 节点汇报的已上传分段
type S3Part struct {
	ETag       string `json:"etag"`
	PartNumber int32  `json:"part_number"`
}

// newS3Client 按备份配置构建 S3 客户端，secret key 此时才解密
func newS3Client(ctx context.Context, cfg *models.BackupConfiguration, secrets *SecretStore) (*s3.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	secretKey, err := secrets.Decrypt(cfg.S3SecretKey)
	if err != nil {
		return nil, fmt.Errorf("解密S3凭证失败: %w", err)
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.S3AccessKey,
				secretKey,
				"",
			),
		),
	}

	// 自定义endpoint（支持MinIO等）
	if cfg.S3Endpoint != "" {
		customResolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					SigningRegion:     cfg.S3Region,
					HostnameImmutable: true, // 对MinIO很重要
				}, nil
			})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(customResolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("加载AWS配置失败: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" || cfg.S3PathStyle {
			o.UsePathStyle = true
		}
	})
	return client, nil
}

// startMultipartUpload 开启分段上传并为每个分段签发预签名 PUT URL。
// 分段数 = ceil(size / part_size)，URL 24 小时有效
func startMultipartUpload(ctx context.Context, client *s3.Client, cfg *models.BackupConfiguration, key string, size int64) (uploadID string, urls []string, err error) {
	create, err := client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(cfg.S3Bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/x-gzip"),
	})
	if err != nil {
		return "", nil, fmt.Errorf("开启分段上传失败: %w", err)
	}
	uploadID = aws.ToString(create.UploadId)

	partSize := cfg.PartSize()
	partCount := size / partSize
	if size%partSize != 0 || partCount == 0 {
		partCount++
	}

	presigner := s3.NewPresignClient(client)
	urls = make([]string, 0, partCount)
	for part := int32(1); int64(part) <= partCount; part++ {
		req, err := presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(cfg.S3Bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(part),
		}, func(o *s3.PresignOptions) {
			o.Expires = s3PartURLExpiry
		})
		if err != nil {
			return "", nil, fmt.Errorf("签发分段 %d 的URL失败: %w", part, err)
		}
		urls = append(urls, req.URL)
	}

	return uploadID, urls, nil
}

// completeMultipartUpload 用节点汇报的分段列表收尾分段上传
func completeMultipartUpload(ctx context.Context, client *s3.Client, cfg *models.BackupConfiguration, key, uploadID string, parts []S3Part) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		})
	}

	_, err := client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(cfg.S3Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return fmt.Errorf("完成分段上传失败: %w", err)
	}
	return nil
}

// abortMultipartUpload 放弃分段上传，释放 S3 侧已上传的分段
func abortMultipartUpload(ctx context.Context, client *s3.Client, cfg *models.BackupConfiguration, key, uploadID string) error {
	_, err := client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(cfg.S3Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("放弃分段上传失败: %w", err)
	}
	return nil
}

// presignDownload 签发 1 小时有效的下载 URL，恢复时交给节点
func presignDownload(ctx context.Context, client *s3.Client, cfg *models.BackupConfiguration, key string) (string, error) {
	presigner := s3.NewPresignClient(client)
	req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(cfg.S3Bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = s3DownloadURLExpiry
	})
	if err != nil {
		return "", fmt.Errorf("签发下载URL失败: %w", err)
	}
	return req.URL, nil
}

// deleteObject 直接删除 S3 对象
func deleteObject(ctx context.Context, client *s3.Client, cfg *models.BackupConfiguration, key string) error {
	_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(cfg.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("删除S3对象失败: %w", err)
	}
	return nil
}
