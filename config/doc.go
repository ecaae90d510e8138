// Package config 提供 imageflow 的统一配置加载。
//
// 配置来源优先级：默认值 → YAML 文件 → 环境变量（IMAGEFLOW_ 前缀）。
// 所有组件只消费这里产出的纯数据结构，不自行读取文件或环境。
package config
