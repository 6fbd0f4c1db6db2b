package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gamepanel/models"
)

// NodeClient 指挥单个远端节点的类型化 HTTP 客户端。
// 共享密钥加密存放在节点行里，每次请求前才解密
type NodeClient struct {
	node    *models.Node
	secrets *SecretStore
	client  *http.Client
}

// NewNodeClient 创建节点客户端
func NewNodeClient(node *models.Node, secrets *SecretStore) *NodeClient {
	return &NodeClient{
		node:    node,
		secrets: secrets,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NodeCreateServerRequest 下发给节点的完整服务器配置快照
type NodeCreateServerRequest struct {
	UUID              string                 `json:"uuid"`
	StartOnCompletion bool                   `json:"start_on_completion"`
	Settings          map[string]interface{} `json:"settings"`
}

// NodeBackupRequest 创建备份
type NodeBackupRequest struct {
	Adapter string `json:"adapter"`
	UUID    string `json:"uuid"`
	// 节点侧按换行拆分忽略规则
	Ignore string `json:"ignore"`
}

// NodeRestoreRequest 恢复备份
type NodeRestoreRequest struct {
	Adapter           string `json:"adapter"`
	TruncateDirectory bool   `json:"truncate_directory"`
	DownloadURL       string `json:"download_url,omitempty"`
}

// CreateServer 在节点上创建服务器
func (c *NodeClient) CreateServer(ctx context.Context, req *NodeCreateServerRequest) error {
	return c.do(ctx, http.MethodPost, "/api/servers", req, false)
}

// DeleteServer 删除节点上的服务器，404 视为已删除
func (c *NodeClient) DeleteServer(ctx context.Context, serverUUID string) error {
	return c.do(ctx, http.MethodDelete, "/api/servers/"+serverUUID, nil, true)
}

// SyncServer 推送服务器的完整远端配置
func (c *NodeClient) SyncServer(ctx context.Context, serverUUID string) error {
	return c.do(ctx, http.MethodPost, "/api/servers/"+serverUUID+"/sync", nil, false)
}

// CreateBackup 让节点开始备份；忽略规则以换行连接传递
func (c *NodeClient) CreateBackup(ctx context.Context, serverUUID, adapter, backupUUID string, ignoredFiles []string) error {
	return c.do(ctx, http.MethodPost, "/api/servers/"+serverUUID+"/backup", &NodeBackupRequest{
		Adapter: adapter,
		UUID:    backupUUID,
		Ignore:  strings.Join(ignoredFiles, "\n"),
	}, false)
}

// DeleteBackup 删除节点侧的备份数据，404 视为已删除
func (c *NodeClient) DeleteBackup(ctx context.Context, backupUUID, adapter string) error {
	return c.do(ctx, http.MethodDelete, "/api/backups/"+backupUUID, map[string]string{
		"adapter": adapter,
	}, true)
}

// RestoreBackup 让节点从备份恢复服务器
func (c *NodeClient) RestoreBackup(ctx context.Context, serverUUID, backupUUID string, req *NodeRestoreRequest) error {
	return c.do(ctx, http.MethodPost, "/api/servers/"+serverUUID+"/backup/"+backupUUID+"/restore", req, false)
}

// do 执行一次节点请求。notFoundOK 时 404 算成功（幂等删除）
func (c *NodeClient) do(ctx context.Context, method, path string, data interface{}, notFoundOK bool) error {
	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("序列化数据失败: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.node.URL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// 临时解密共享密钥，不缓存明文
	token, err := c.secrets.Decrypt(c.node.Token)
	if err != nil {
		return fmt.Errorf("解密节点令牌失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.node.TokenID+"."+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("请求节点失败: %w", err)
	}
	defer resp.Body.Close()

	if notFoundOK && resp.StatusCode == http.StatusNotFound {
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("节点返回错误状态 %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return nil
}
