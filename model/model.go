package model

import "time"

// 订单支付类型常量
const (
	PayTypeOnline   int32 = 0 // 在线支付（第三方支付网关）
	PayTypeIntegral int32 = 1 // 积分支付
)

// 订单状态常量
// 状态只能沿 UNPAID->PAID->REFUNDED 或 UNPAID->CANCELLED 单向迁移
const (
	OrderStatusUnpaid    int32 = 0 // 未支付
	OrderStatusPaid      int32 = 1 // 已支付
	OrderStatusCancelled int32 = 2 // 已取消（超时未支付）
	OrderStatusRefunded  int32 = 3 // 已退款
)

// TCC事务记录状态常量
// 状态只能从TRY迁移到COMMIT或CANCEL，且只迁移一次
const (
	TxStateTry    int32 = 1 // 一阶段已执行（资源已冻结）
	TxStateCommit int32 = 2 // 二阶段已提交
	TxStateCancel int32 = 3 // 二阶段已回滚
)

// 账户流水类型常量
const (
	AccountLogTypeDecr int32 = 0 // 扣减积分
	AccountLogTypeIncr int32 = 1 // 退回积分
)

// SeckillProduct 秒杀商品表
// 商品身份信息由商品服务维护，本服务只读取信息、扣减库存
type SeckillProduct struct {
	Id           int64     `gorm:"primaryKey;column:id" json:"id"`                    // 秒杀商品ID，主键
	ProductId    int64     `gorm:"index;column:product_id" json:"product_id"`         // 关联商品ID
	ProductName  string    `gorm:"size:100;column:product_name" json:"product_name"`  // 商品名称
	ProductImg   string    `gorm:"size:200;column:product_img" json:"product_img"`    // 商品图片
	ProductPrice float64   `gorm:"column:product_price" json:"product_price"`         // 商品原价
	SeckillPrice float64   `gorm:"column:seckill_price" json:"seckill_price"`         // 秒杀价格
	Integral     int64     `gorm:"column:integral" json:"integral"`                   // 积分价格
	StockCount   int64     `gorm:"column:stock_count" json:"stock_count"`             // 剩余库存
	TimeSlot     int32     `gorm:"index;column:time_slot" json:"time_slot"`           // 秒杀场次（开始小时）
	StartDate    time.Time `gorm:"column:start_date" json:"start_date"`               // 秒杀开始日期
	Status       int32     `gorm:"column:status" json:"status"`                       // 活动状态：0-未上架，1-进行中
}

// OrderInfo 秒杀订单表
// 商品快照字段在创建时固化，创建后不再回读商品服务
type OrderInfo struct {
	OrderNo      string    `gorm:"primaryKey;size:32;column:order_no" json:"order_no"`              // 订单编号，雪花算法生成，全局唯一且可排序
	UserId       int64     `gorm:"uniqueIndex:uk_user_seckill;column:user_id" json:"user_id"`       // 用户ID
	SeckillId    int64     `gorm:"uniqueIndex:uk_user_seckill;column:seckill_id" json:"seckill_id"` // 秒杀商品ID
	TimeSlot     int32     `gorm:"uniqueIndex:uk_user_seckill;column:time_slot" json:"time_slot"`   // 秒杀场次
	PayType      int32     `gorm:"column:pay_type" json:"pay_type"`                                  // 支付类型：0-在线支付，1-积分支付
	Status       int32     `gorm:"column:status" json:"status"`                                      // 订单状态
	ProductName  string    `gorm:"size:100;column:product_name" json:"product_name"`                 // 商品名称快照
	ProductImg   string    `gorm:"size:200;column:product_img" json:"product_img"`                   // 商品图片快照
	ProductPrice float64   `gorm:"column:product_price" json:"product_price"`                        // 商品原价快照
	SeckillPrice float64   `gorm:"column:seckill_price" json:"seckill_price"`                        // 秒杀价格快照
	Integral     int64     `gorm:"column:integral" json:"integral"`                                  // 积分价格快照
	CreateTime   time.Time `gorm:"autoCreateTime;column:create_time" json:"create_time"`             // 创建时间
}

// PayLog 支付日志表
type PayLog struct {
	Id          int64  `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	TradeNo     string `gorm:"size:32;column:trade_no" json:"trade_no"`                // 支付流水号
	OutTradeNo  string `gorm:"index;size:32;column:out_trade_no" json:"out_trade_no"`  // 商户订单号（即orderNo）
	PayType     int32  `gorm:"column:pay_type" json:"pay_type"`                        // 支付类型
	TotalAmount string `gorm:"size:20;column:total_amount" json:"total_amount"`        // 支付金额
	NotifyTime  string `gorm:"size:20;column:notify_time" json:"notify_time"`          // 回调通知时间
}

// RefundLog 退款日志表
// 该表的存在性是积分退款事务消息回查的依据：有记录即本地事务已提交
type RefundLog struct {
	Id           int64     `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	OutTradeNo   string    `gorm:"uniqueIndex;size:32;column:out_trade_no" json:"out_trade_no"` // 商户订单号
	RefundAmount string    `gorm:"size:20;column:refund_amount" json:"refund_amount"`           // 退款金额
	RefundReason string    `gorm:"size:200;column:refund_reason" json:"refund_reason"`          // 退款原因
	RefundType   int32     `gorm:"column:refund_type" json:"refund_type"`                       // 退款类型（对应支付类型）
	RefundTime   time.Time `gorm:"column:refund_time" json:"refund_time"`                       // 退款时间
}

// AccountTransaction TCC事务控制记录表
// 每个分支事务一行，(tx_id, action_id)唯一，状态只允许 TRY->COMMIT / TRY->CANCEL
// 没有TRY记录的CANCEL行表示空回滚
type AccountTransaction struct {
	Id          int64     `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	TxId        string    `gorm:"uniqueIndex:uk_tx_action;size:64;column:tx_id" json:"tx_id"` // 全局事务ID
	ActionId    int64     `gorm:"uniqueIndex:uk_tx_action;column:action_id" json:"action_id"` // 分支事务ID
	UserId      int64     `gorm:"index;column:user_id" json:"user_id"`                        // 用户ID
	TradeNo     string    `gorm:"size:32;column:trade_no" json:"trade_no"`                    // 支付流水号
	Type        int32     `gorm:"column:type" json:"type"`                                    // 流水类型
	State       int32     `gorm:"column:state" json:"state"`                                  // 事务状态：1-TRY，2-COMMIT，3-CANCEL
	Amount      int64     `gorm:"column:amount" json:"amount"`                                // 积分金额
	GmtCreated  time.Time `gorm:"column:gmt_created" json:"gmt_created"`                      // 创建时间
	GmtModified time.Time `gorm:"column:gmt_modified" json:"gmt_modified"`                    // 修改时间
}

// AccountLog 账户流水表（只追加，不修改）
// 退款前必须能查到同一out_trade_no的扣减流水
type AccountLog struct {
	Id         int64     `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	TradeNo    string    `gorm:"size:32;column:trade_no" json:"trade_no"`               // 流水号
	OutTradeNo string    `gorm:"index;size:32;column:out_trade_no" json:"out_trade_no"` // 商户订单号
	UserId     int64     `gorm:"index;column:user_id" json:"user_id"`                   // 用户ID
	Amount     int64     `gorm:"column:amount" json:"amount"`                           // 积分金额
	Type       int32     `gorm:"column:type" json:"type"`                               // 流水类型：0-扣减，1-退回
	Info       string    `gorm:"size:200;column:info" json:"info"`                      // 摘要信息
	GmtTime    time.Time `gorm:"column:gmt_time" json:"gmt_time"`                       // 流水时间
}

// UsableIntegral 用户可用积分账户表
type UsableIntegral struct {
	UserId        int64     `gorm:"primaryKey;column:user_id" json:"user_id"`               // 用户ID，主键
	Amount        int64     `gorm:"column:amount" json:"amount"`                            // 可用积分
	FreezedAmount int64     `gorm:"column:freezed_amount" json:"freezed_amount"`            // 冻结积分
	GmtModified   time.Time `gorm:"autoUpdateTime;column:gmt_modified" json:"gmt_modified"` // 修改时间
}

// TransactionContext TCC事务上下文
// 由支付编排器显式创建并依次传入Try/Confirm/Cancel，不依赖任何框架拦截
type TransactionContext struct {
	Xid      string `json:"xid"`       // 全局事务ID
	BranchId int64  `json:"branch_id"` // 分支事务ID
}

// OperateIntegralVo 积分操作参数
type OperateIntegralVo struct {
	UserId     int64  `json:"user_id"`      // 用户ID
	Value      int64  `json:"value"`        // 操作积分数
	Info       string `json:"info"`         // 摘要信息
	OutTradeNo string `json:"out_trade_no"` // 商户订单号
}

// OrderMessage 创建订单消息（order.create / order.pay_timeout 主题负载）
type OrderMessage struct {
	TimeSlot  int32  `json:"time_slot"`  // 秒杀场次
	SeckillId int64  `json:"seckill_id"` // 秒杀商品ID
	Token     string `json:"token"`      // 请求关联令牌，用于结果回送
	UserId    int64  `json:"user_id"`    // 用户ID
	OrderNo   string `json:"order_no"`   // 订单编号，创建成功后回填
}

// OrderResult 订单创建结果消息（order.result 主题负载）
type OrderResult struct {
	Token   string `json:"token"`    // 请求关联令牌
	OrderNo string `json:"order_no"` // 订单编号，失败时为空
	Code    int32  `json:"code"`     // 结果码：0-成功，非0-失败
	Msg     string `json:"msg"`      // 结果描述
}

// CacheInvalidateMessage 本地售罄缓存失效广播消息（stock.cache_invalidate 主题负载）
type CacheInvalidateMessage struct {
	SeckillId int64 `json:"seckill_id"` // 秒杀商品ID
}

// RefundMessage 积分退款消息（points.refund_tx 主题负载，事务半消息发送）
type RefundMessage struct {
	OutTradeNo   string `json:"out_trade_no"`  // 商户订单号
	RefundAmount int64  `json:"refund_amount"` // 退款积分数
	RefundReason string `json:"refund_reason"` // 退款原因
}

// TableName 指定SeckillProduct模型对应的数据库表名
func (SeckillProduct) TableName() string {
	return "seckill_product"
}

// TableName 指定OrderInfo模型对应的数据库表名
func (OrderInfo) TableName() string {
	return "order_info"
}

// TableName 指定PayLog模型对应的数据库表名
func (PayLog) TableName() string {
	return "pay_log"
}

// TableName 指定RefundLog模型对应的数据库表名
func (RefundLog) TableName() string {
	return "refund_log"
}

// TableName 指定AccountTransaction模型对应的数据库表名
func (AccountTransaction) TableName() string {
	return "account_transaction"
}

// TableName 指定AccountLog模型对应的数据库表名
func (AccountLog) TableName() string {
	return "account_log"
}

// TableName 指定UsableIntegral模型对应的数据库表名
func (UsableIntegral) TableName() string {
	return "usable_integral"
}
