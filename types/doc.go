// Package types 定义 imageflow 全局共享的结构化错误体系。
//
// 核心类型：
//   - Error / ErrorCode — 结构化错误，含 HTTP 状态码、Retryable、Provider 标记
//   - AggregateError — 逐模型故障转移全部失败后的汇总错误
//   - QuotaError — 配额耗尽的终止性错误，携带部分完成计数
//
// 错误工具链：IsRetryable / GetErrorCode / IsCode / CooldownHint。
package types
