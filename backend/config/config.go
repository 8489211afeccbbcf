package config

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Collab struct {
		// 每接受多少笔操作做一次内容快照
		CheckpointEvery int `mapstructure:"checkpointEvery"`
		// 近期操作环形缓冲容量
		RingCap int `mapstructure:"ringCap"`
		// 会话心跳 TTL（秒）
		SessionTTLSeconds int `mapstructure:"sessionTTLSeconds"`
		// 在线状态清扫间隔（秒）
		SweepIntervalSeconds int `mapstructure:"sweepIntervalSeconds"`
		// ws 提交路径的并发上限
		MaxConcurrentSubmits int `mapstructure:"maxConcurrentSubmits"`
	} `mapstructure:"collab"`
}
