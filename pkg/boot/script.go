package boot

// rcScript restores active jails at host boot from their metadata sidecars.
// Paths mirror pkg/types and the pid file naming of pkg/jail.
const rcScript = `#!/bin/sh

# PROVIDE: burrow
# REQUIRE: NETWORKING
# BEFORE: caddy
# KEYWORD: shutdown

. /etc/rc.subr

name="burrow"
rcvar="burrow_enable"
start_cmd="${name}_start"
stop_cmd="${name}_stop"
status_cmd="${name}_status"
restart_cmd="${name}_restart"
extra_commands="status"

ACTIVE_DIR="/usr/local/burrow/active"
JAILS_DIR="/usr/local/burrow/jails"
BASE_DIR="/usr/local/burrow/base"
METADATA=".burrow.json"
JQ="/usr/local/bin/jq"

burrow_start()
{
    echo "Starting burrow jails..."

    if ! ifconfig lo1 > /dev/null 2>&1; then
        ifconfig lo1 create
    fi

    for link in "$ACTIVE_DIR"/*; do
        [ -L "$link" ] || continue

        jail_path=$(readlink -f "$link")
        [ -d "$jail_path" ] || continue

        metadata="$jail_path/$METADATA"
        [ -f "$metadata" ] || continue

        jail_name=$($JQ -r '.jail_name' "$metadata")
        ip=$($JQ -r '.ip' "$metadata")
        service=$($JQ -r '.service' "$metadata")
        user=$($JQ -r '.user // empty' "$metadata")
        base_version=$($JQ -r '.base_version' "$metadata")
        image_path=$($JQ -r '.image_path // empty' "$metadata")
        is_zfs=$($JQ -r '.zfs' "$metadata")

        if jls -j "$jail_name" > /dev/null 2>&1; then
            echo "  $service ($jail_name) already running"
            continue
        fi

        echo "  Starting $service ($jail_name)..."

        if [ -n "$ip" ]; then
            ifconfig lo1 inet "$ip/32" alias 2>/dev/null
        fi

        burrow_mount_jail "$jail_path" "$base_version" "$image_path" "$is_zfs" "$metadata"

        jail -c name="$jail_name" path="$jail_path" host.hostname="$jail_name" \
            ip4.addr="$ip" allow.raw_sockets=1 persist

        burrow_start_processes "$metadata" "$jail_name" "$service" "$user"
    done
}

burrow_mount_jail()
{
    local jail_path="$1"
    local base_version="$2"
    local image_path="$3"
    local is_zfs="$4"
    local metadata="$5"
    local base_dir="$BASE_DIR/$base_version"

    mkdir -p "$jail_path/dev" 2>/dev/null
    mount -t devfs devfs "$jail_path/dev" 2>/dev/null

    if [ "$is_zfs" != "true" ]; then
        for dir in bin lib libexec sbin; do
            [ -d "$base_dir/$dir" ] && mount_nullfs -o ro "$base_dir/$dir" "$jail_path/$dir" 2>/dev/null
        done

        for dir in bin include lib lib32 libdata libexec sbin share; do
            [ -d "$base_dir/usr/$dir" ] && mount_nullfs -o ro "$base_dir/usr/$dir" "$jail_path/usr/$dir" 2>/dev/null
        done

        if [ -n "$image_path" ] && [ -d "$image_path/usr/local" ]; then
            mount_nullfs -o ro "$image_path/usr/local" "$jail_path/usr/local" 2>/dev/null
        fi
    fi

    $JQ -r '.data_directories[]? | "\(.host_path) \(.jail_path)"' "$metadata" 2>/dev/null | while read host_path jail_dir; do
        if [ -n "$host_path" ] && [ -n "$jail_dir" ]; then
            target="${jail_path}/${jail_dir#/}"
            mkdir -p "$target" 2>/dev/null
            mount_nullfs "$host_path" "$target" 2>/dev/null
        fi
    done
}

burrow_start_processes()
{
    local metadata="$1"
    local jail_name="$2"
    local service="$3"
    local user="$4"

    local env_file="/etc/burrow.env"
    local app_dir="/app"
    local run_dir="/var/run/burrow/$service"
    local log_dir="/var/log/burrow/$service"
    local jail_path=$(dirname "$metadata")

    mkdir -p "$jail_path$run_dir" "$jail_path$log_dir"
    if [ -n "$user" ]; then
        jexec "$jail_name" chown "$user:$user" "$run_dir" "$log_dir"
    fi

    local idx=0
    $JQ -r '.start_commands[]' "$metadata" 2>/dev/null | while read -r start_cmd; do
        [ -z "$start_cmd" ] && continue

        if [ "$idx" -eq 0 ]; then
            pid_file="$run_dir/service.pid"
            log_file="$log_dir/service.log"
        else
            pid_file="$run_dir/service-$idx.pid"
            log_file="$log_dir/service-$idx.log"
        fi

        if [ -n "$user" ]; then
            jexec "$jail_name" daemon -f -p "$pid_file" -o "$log_file" -u "$user" \
                bash -c "source $env_file && cd $app_dir && $start_cmd"
        else
            jexec "$jail_name" daemon -f -p "$pid_file" -o "$log_file" \
                bash -c "source $env_file && cd $app_dir && $start_cmd"
        fi

        idx=$((idx + 1))
    done
}

burrow_stop()
{
    echo "Stopping burrow jails..."

    for link in "$ACTIVE_DIR"/*; do
        [ -L "$link" ] || continue

        jail_path=$(readlink -f "$link")
        [ -d "$jail_path" ] || continue

        metadata="$jail_path/$METADATA"
        [ -f "$metadata" ] || continue

        jail_name=$($JQ -r '.jail_name' "$metadata")
        ip=$($JQ -r '.ip' "$metadata")
        service=$($JQ -r '.service' "$metadata")

        echo "  Stopping $service ($jail_name)..."

        jail -r "$jail_name" 2>/dev/null

        if [ -n "$ip" ]; then
            ifconfig lo1 inet "$ip" -alias 2>/dev/null
        fi

        for mnt in $(mount -p | awk -v root="$jail_path" '$2 == root || index($2, root "/") == 1 {print $2}' | sort -r); do
            umount -f "$mnt" 2>/dev/null
        done
    done
}

burrow_status()
{
    echo "burrow jail status:"

    if [ ! -d "$ACTIVE_DIR" ] || [ -z "$(ls -A "$ACTIVE_DIR" 2>/dev/null)" ]; then
        echo "  No active services"
        return
    fi

    for link in "$ACTIVE_DIR"/*; do
        [ -L "$link" ] || continue

        service=$(basename "$link")
        jail_path=$(readlink -f "$link")

        if [ ! -d "$jail_path" ]; then
            echo "  $service: BROKEN (symlink points to non-existent path)"
            continue
        fi

        metadata="$jail_path/$METADATA"
        if [ ! -f "$metadata" ]; then
            echo "  $service: BROKEN (missing metadata)"
            continue
        fi

        jail_name=$($JQ -r '.jail_name' "$metadata")

        if jls -j "$jail_name" > /dev/null 2>&1; then
            ip=$(jls -j "$jail_name" ip4.addr 2>/dev/null)
            echo "  $service: RUNNING ($jail_name, IP: $ip)"
        else
            echo "  $service: STOPPED ($jail_name)"
        fi
    done
}

burrow_restart()
{
    burrow_stop
    burrow_start
}

load_rc_config $name
run_rc_command "$1"
`
