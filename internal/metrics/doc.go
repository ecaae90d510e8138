/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖生成调用、重试、
凭据租约、批量作业与缓存五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
工厂注册机制。所有指标按 namespace 隔离，支持多维度 label 分组，
便于 Grafana 等工具进行可视化与告警。

# 主要能力

  - 生成指标：调用总数、调用耗时、产出图像数，按 provider/model 分组。
  - 重试指标：重试次数（按原因）、累计冷却等待、配额终止计数。
  - 租约指标：获取尝试（按池与结果）、失效租约回收计数。
  - 批量指标：作业终态计数、条目结局计数（produced/placeholder/failed）。
  - 缓存指标：命中与未命中计数，按 cache_type 分组。
*/
package metrics
