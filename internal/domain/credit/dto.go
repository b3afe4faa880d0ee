// internal/domain/credit/dto.go
package credit

type FreezeRequest struct {
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	ReferenceID string `json:"reference_id" binding:"required"`
}

type UnfreezeRequest struct {
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id" binding:"required"`
}

type SpendRequest struct {
	Amount      int64                  `json:"amount" binding:"required,gt=0"`
	Source      Source                 `json:"source"`
	ReferenceID string                 `json:"reference_id" binding:"required"`
	Metadata    map[string]interface{} `json:"metadata"`
}

type AdjustRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Delta       int64  `json:"delta" binding:"required"`
	Description string `json:"description"`
	ReferenceID string `json:"reference_id" binding:"required"`
}
