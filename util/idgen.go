package util

import (
	"fmt"
	"strconv"

	"github.com/bwmarrin/snowflake"
)

// 雪花算法ID生成器
// 生成的ID按时间趋势递增，订单号按字符串排序即按创建时间排序
var idNode *snowflake.Node

// InitIdGenerator 初始化ID生成器，nodeId取自配置，多实例部署时必须互不相同
func InitIdGenerator(nodeId int64) error {
	node, err := snowflake.NewNode(nodeId)
	if err != nil {
		return fmt.Errorf("failed to create snowflake node: %v", err)
	}
	idNode = node
	return nil
}

// NextId 生成下一个全局唯一ID
func NextId() int64 {
	return idNode.Generate().Int64()
}

// NextIdString 生成字符串形式的全局唯一ID，用作订单号、流水号
func NextIdString() string {
	return strconv.FormatInt(NextId(), 10)
}
