package models

import "time"

// KnowledgeBase 知识库（RAG分组）
// IndexName 在首次索引时生成并持久化，之后不再重新生成，
// 丢失该名称将导致底层向量索引成为孤儿。
type KnowledgeBase struct {
	KnowledgeBaseID uint      `gorm:"primaryKey;column:knowledge_base_id" json:"knowledge_base_id"`
	Name            string    `gorm:"size:200;not null" json:"name"`
	TenantID        uint      `gorm:"column:tenant_id;not null;index" json:"tenant_id"`
	OwnerID         uint      `gorm:"column:owner_id;not null" json:"owner_id"`
	TopK            int       `gorm:"column:top_k;default:5" json:"top_k"`
	IndexName       string    `gorm:"column:index_name;size:255" json:"index_name"`
	Status          string    `gorm:"size:20;default:active" json:"status"`
	CreateTime      time.Time `gorm:"column:create_time" json:"create_time"`
	UpdateTime      time.Time `gorm:"column:update_time" json:"update_time"`

	// 关系
	Memberships []KnowledgeBaseDocument `gorm:"foreignKey:KnowledgeBaseID"`
}

func (KnowledgeBase) TableName() string {
	return "knowledge_bases"
}

// Document 文档，属于唯一的(用户, 租户)。对本管线只读。
type Document struct {
	DocumentID  uint      `gorm:"primaryKey;column:document_id" json:"document_id"`
	TenantID    uint      `gorm:"column:tenant_id;not null;index" json:"tenant_id"`
	OwnerID     uint      `gorm:"column:owner_id;not null" json:"owner_id"`
	FileName    string    `gorm:"size:255;not null" json:"file_name"`
	ContentType string    `gorm:"size:100" json:"content_type"`
	FilePath    string    `gorm:"size:500" json:"file_path"`
	Content     string    `gorm:"type:text" json:"content"` // 预提取文本，可为空
	Status      string    `gorm:"size:20;default:active" json:"status"`
	CreateTime  time.Time `gorm:"column:create_time" json:"create_time"`
	UpdateTime  time.Time `gorm:"column:update_time" json:"update_time"`
}

func (Document) TableName() string {
	return "documents"
}

// KnowledgeBaseDocument 知识库成员关系。
// IsIndexed 仅在该文档的向量成功写入知识库索引后翻转为true。
type KnowledgeBaseDocument struct {
	ID              uint       `gorm:"primaryKey;column:id" json:"id"`
	KnowledgeBaseID uint       `gorm:"column:knowledge_base_id;not null;index" json:"knowledge_base_id"`
	DocumentID      uint       `gorm:"column:document_id;not null;index" json:"document_id"`
	Document        Document   `gorm:"foreignKey:DocumentID" json:"-"`
	IsIndexed       bool       `gorm:"column:is_indexed;default:false" json:"is_indexed"`
	ChunkCount      int        `gorm:"column:chunk_count;default:0" json:"chunk_count"`
	LastError       string     `gorm:"column:last_error;type:text" json:"last_error"`
	IndexTime       *time.Time `gorm:"column:index_time" json:"index_time"`
	CreateTime      time.Time  `gorm:"column:create_time" json:"create_time"`
}

func (KnowledgeBaseDocument) TableName() string {
	return "knowledge_base_documents"
}

// SearchRecord 检索记录
type SearchRecord struct {
	SearchID        uint      `gorm:"primaryKey;column:search_id" json:"search_id"`
	KnowledgeBaseID uint      `gorm:"column:knowledge_base_id;index" json:"knowledge_base_id"`
	DocumentID      uint      `gorm:"column:document_id" json:"document_id"`
	TenantID        uint      `gorm:"column:tenant_id;not null" json:"tenant_id"`
	UserID          uint      `gorm:"column:user_id;not null" json:"user_id"`
	Query           string    `gorm:"type:text;not null" json:"query"`
	Results         string    `gorm:"type:json" json:"results"`
	CreateTime      time.Time `gorm:"column:create_time" json:"create_time"`
}

func (SearchRecord) TableName() string {
	return "search_records"
}

// TenantCredential 租户级加密凭证
type TenantCredential struct {
	CredentialID uint      `gorm:"primaryKey;column:credential_id" json:"credential_id"`
	TenantID     uint      `gorm:"column:tenant_id;not null;uniqueIndex:idx_tenant_provider" json:"tenant_id"`
	Provider     string    `gorm:"size:50;not null;uniqueIndex:idx_tenant_provider" json:"provider"`
	Ciphertext   string    `gorm:"type:text;not null" json:"-"`
	CreateTime   time.Time `gorm:"column:create_time" json:"create_time"`
	UpdateTime   time.Time `gorm:"column:update_time" json:"update_time"`
}

func (TenantCredential) TableName() string {
	return "tenant_credentials"
}
