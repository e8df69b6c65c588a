package core

import "context"

// EmbeddingIndex 是物品向量索引的领域接口。
//
// 设计原则：
//   - 定义在领域层（core），由基础设施层（vector）实现
//   - 查询看到的是一致快照，不会读到并发写入的中间状态
//   - 写入按物品串行，不同物品的写入互不阻塞全局
//
// 相似度度量必须与上游 Embedding 模型训练时一致（余弦或内积）。
type EmbeddingIndex interface {
	// Upsert 写入或整体替换一个物品
	Upsert(ctx context.Context, item *Item) error

	// Remove 删除物品，不存在时不报错
	Remove(ctx context.Context, itemID string) error

	// QueryTopK 返回与 vector 最相似的 K 个物品，相似度降序，平局按 ID 升序；
	// 对固定的索引快照结果确定。
	QueryTopK(ctx context.Context, vector []float64, k int) ([]Hit, error)

	// Get 按 ID 读取物品，不存在返回 NOT_FOUND
	Get(ctx context.Context, itemID string) (*Item, error)

	// Len 返回物品数量
	Len() int
}

// Hit 是一次向量检索的结果条目。
type Hit struct {
	ID         string
	Similarity float64
	Item       *Item
}

// ErrItemNotFound 表示物品不在索引中
var ErrItemNotFound = NewDomainError(ModuleVector, ErrorCodeNotFound, "vector: item not found")
