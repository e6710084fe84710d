package order

import (
	"errors"
	"time"
)

// Status 订单状态枚举（持久化为字符串）。
type Status string

const (
	StatusPending        Status = "pending"          // 已落库，等待支付确认
	StatusConfirmed      Status = "confirmed"        // 已确认（支付成功或货到付款）
	StatusPreparing      Status = "preparing"        // 备餐中
	StatusOutForDelivery Status = "out_for_delivery" // 配送中
	StatusDelivered      Status = "delivered"        // 已送达（终态）
	StatusCancelled      Status = "cancelled"        // 已取消（终态）
)

// PaymentStatus 支付状态。
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// PaymentMethod 支付方式（取值保持与前端/历史数据兼容）。
type PaymentMethod string

const (
	MethodMpesa            PaymentMethod = "M-Pesa"             // 网关推送支付（STK push）
	MethodPayAfterDelivery PaymentMethod = "Pay after delivery" // 货到付款
)

// ValidMethod 判断支付方式是否合法。
func ValidMethod(m PaymentMethod) bool {
	return m == MethodMpesa || m == MethodPayAfterDelivery
}

// 错误分类：调用方用 errors.Is 区分处理。
var (
	ErrValidation        = errors.New("order: invalid input")
	ErrNotFound          = errors.New("order: not found")
	ErrInvalidTransition = errors.New("order: invalid status transition")
	// ErrConflict 乐观并发冲突：落库状态已不是刚读到的状态（回调与管理端竞争同一订单）。
	// 必须向调用方暴露，不允许吞掉。
	ErrConflict    = errors.New("order: concurrent update conflict")
	ErrPersistence = errors.New("order: persistence failed")
	// ErrDuplicateOrderNumber 订单号唯一键冲突，Service 会换后缀重试。
	ErrDuplicateOrderNumber = errors.New("order: duplicate order number")
	// ErrAlreadyReconciled 网关引用已写入过：重复回调，按幂等 no-op 处理。
	ErrAlreadyReconciled = errors.New("order: already reconciled")
)

// Address 配送地址（内嵌到 orders 表）。
type Address struct {
	Street string  `gorm:"column:addr_street;size:255" json:"street"`
	City   string  `gorm:"column:addr_city;size:64" json:"city"`
	County string  `gorm:"column:addr_county;size:64" json:"county"`
	Lat    float64 `gorm:"column:addr_lat" json:"lat,omitempty"`
	Lng    float64 `gorm:"column:addr_lng" json:"lng,omitempty"`
}

// LineItem 下单时刻的快照行：单价被冻结，之后目录调价不影响已有订单。
type LineItem struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	OrderID   string `gorm:"index;size:36;not null" json:"-"`
	ItemID    string `gorm:"size:36;not null" json:"id"`
	Name      string `gorm:"size:128;not null" json:"name"`
	Quantity  int64  `gorm:"not null" json:"quantity"`
	UnitPrice int64  `gorm:"not null" json:"price"`
	Subtotal  int64  `gorm:"not null" json:"subtotal"` // Quantity × UnitPrice，下单时计算
	Position  int    `gorm:"not null;default:0" json:"-"` // 结算顺序
}

// Order 订单 GORM 模型。
// 不变式：TotalAmount == Amount + DeliveryFee；OrderNumber 全局唯一且不可变；
// MpesaReference 只允许写一次（回调幂等的依据）。
type Order struct {
	ID          string `gorm:"primaryKey;size:36" json:"orderId"`
	OrderNumber string `gorm:"uniqueIndex;size:32;not null" json:"orderNumber"`
	UserID      string `gorm:"index;size:36;not null" json:"userId"`

	// 下单时刻抓取的联系方式
	Name  string `gorm:"size:64;not null" json:"name"`
	Email string `gorm:"size:128" json:"email"`
	Phone string `gorm:"size:32;not null" json:"phone"`

	Items []LineItem `gorm:"foreignKey:OrderID;references:ID" json:"items"`

	// 金额信息（单位：KES 整数）
	Amount      int64  `gorm:"not null" json:"amount"` // 商品小计
	DeliveryFee int64  `gorm:"not null;default:0" json:"deliveryFee"`
	TotalAmount int64  `gorm:"not null" json:"totalAmount"`
	Currency    string `gorm:"size:8;not null;default:'KES'" json:"currency"`

	PaymentMethod PaymentMethod `gorm:"type:varchar(24);not null" json:"paymentMethod"`
	PaymentStatus PaymentStatus `gorm:"type:varchar(16);not null;default:'pending'" json:"paymentStatus"`
	Status        Status        `gorm:"column:order_status;type:varchar(20);index;not null" json:"orderStatus"`

	// 网关对账引用（CheckoutRequestID），只写一次
	MpesaReference string `gorm:"size:64" json:"mpesaReference,omitempty"`

	// 购物车指纹：短时间窗内拦截同一购物车的重复下单
	CartFingerprint string `gorm:"index;size:64" json:"-"`

	DeliveryAddress Address `gorm:"embedded" json:"deliveryAddress"`
	Notes           string  `gorm:"size:512" json:"notes,omitempty"`

	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"createdAt"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}
